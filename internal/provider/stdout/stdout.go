// Package stdout implements a dry-run Sender that prints the message instead
// of delivering it. Every recipient is reported as succeeded.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nfd/majordummo/internal/provider"
)

// Sender prints the rendered message and recipient list to stdout.
type Sender struct {
	writer io.Writer
}

// New creates a Sender that writes to os.Stdout.
func New() *Sender {
	return &Sender{writer: os.Stdout}
}

// NewWithWriter creates a Sender that writes to the given writer. This is
// useful for testing.
func NewWithWriter(w io.Writer) *Sender {
	return &Sender{writer: w}
}

// Name returns the backend name.
func (s *Sender) Name() string {
	return "stdout"
}

// Send prints the message once, lists the recipients, and marks them all
// succeeded.
func (s *Sender) Send(_ context.Context, raw []byte, recipients []string) (*provider.Outcome, error) {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Recipients: %s\n", strings.Join(recipients, ", ")))
	b.WriteString("Message:\n")
	b.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(s.writer, b.String()); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	outcome := provider.NewOutcome()
	for _, recipient := range recipients {
		outcome.Succeed(recipient)
	}
	return outcome, nil
}
