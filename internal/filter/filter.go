// Package filter reduces a message header to the approved, sanitized set:
// a whitelist pass followed by forced overrides.
package filter

import (
	"strings"

	"github.com/zostay/go-email/v2/message/header"

	"github.com/nfd/majordummo/internal/config"
)

// Filter rewrites message headers. It is a pure transformation with no I/O;
// applying the same filter twice yields the same header.
type Filter struct {
	whitelist map[string]struct{}
	overrides []config.HeaderOverride
}

// New builds a Filter from the configured whitelist and override list.
func New(cfg *config.Config) *Filter {
	return &Filter{
		whitelist: cfg.Whitelist(),
		overrides: cfg.SetHeaders,
	}
}

// Apply rewrites h in place. First every field whose lower-cased name is not
// whitelisted is dropped, preserving the relative order of the survivors.
// Then each override removes all occurrences of its name and appends a
// single field carrying the whitespace-trimmed value, so overrides win even
// for names the whitelist excludes.
func (f *Filter) Apply(h *header.Header) {
	// Delete back to front so indexes stay valid.
	for i := h.Len() - 1; i >= 0; i-- {
		name := h.GetField(i).Name()
		if _, ok := f.whitelist[strings.ToLower(name)]; !ok {
			_ = h.DeleteField(i)
		}
	}

	for _, o := range f.overrides {
		ixs := h.GetIndexesNamed(o.Name)
		for i := len(ixs) - 1; i >= 0; i-- {
			_ = h.DeleteField(ixs[i])
		}
		h.InsertBeforeField(h.Len(), o.Name, strings.TrimSpace(o.Value))
	}
}
