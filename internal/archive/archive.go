// Package archive persists the artifacts of one delivery attempt: the
// original message plus the failed and succeeded recipient lists, all three
// sharing a single time-derived basename.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxBasenameAttempts bounds the collision retry loop when establishing the
// attempt basename.
const maxBasenameAttempts = 10

// ErrBasenameExhausted is returned when every candidate basename collided
// with an existing file. It aborts the delivery attempt.
var ErrBasenameExhausted = errors.New("no free archive basename after retries")

// Archive writes attempt artifacts under one directory. An empty directory
// disables archiving and turns every method into a no-op. The basename is
// assigned by the first write of the attempt and reused for the rest.
type Archive struct {
	dir  string
	base string

	// now is the clock used for basenames, replaceable in tests.
	now func() time.Time
}

// New creates an Archive rooted at dir, creating the directory recursively.
// An empty dir disables archiving.
func New(dir string) (*Archive, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	return &Archive{dir: dir, now: time.Now}, nil
}

// Enabled reports whether an archive directory is configured.
func (a *Archive) Enabled() bool {
	return a.dir != ""
}

// StoreOriginal writes the raw inbound message to <basename>.txt.
func (a *Archive) StoreOriginal(raw []byte) error {
	if !a.Enabled() {
		return nil
	}
	if err := a.write(".txt", raw); err != nil {
		return err
	}
	slog.Info("archived original message", "basename", a.base)
	return nil
}

// LogFailed writes the failed recipient list to <basename>-fail.txt, one
// address per line.
func (a *Archive) LogFailed(recipients []string) error {
	if !a.Enabled() {
		return nil
	}
	return a.write("-fail.txt", []byte(strings.Join(recipients, "\n")))
}

// LogSucceeded writes the succeeded recipient list to
// <basename>-succeeded.txt, one address per line.
func (a *Archive) LogSucceeded(recipients []string) error {
	if !a.Enabled() {
		return nil
	}
	return a.write("-succeeded.txt", []byte(strings.Join(recipients, "\n")))
}

// write stores payload at <basename><ext>. The first write of the attempt
// establishes the basename: <16-digit epoch seconds>-<3-digit counter>,
// incrementing the counter on collision up to maxBasenameAttempts before
// giving up with ErrBasenameExhausted. Subsequent writes reuse the basename.
func (a *Archive) write(ext string, payload []byte) error {
	if a.base == "" {
		epoch := a.now().Unix()
		for attempt := 0; attempt < maxBasenameAttempts; attempt++ {
			base := fmt.Sprintf("%016d-%03d", epoch, attempt)
			err := writeExclusive(filepath.Join(a.dir, base+ext), payload)
			if errors.Is(err, os.ErrExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to write archive file: %w", err)
			}
			a.base = base
			return nil
		}
		return ErrBasenameExhausted
	}

	path := filepath.Join(a.dir, a.base+ext)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	return nil
}

// writeExclusive creates path and writes payload, failing with os.ErrExist
// if the file is already there.
func writeExclusive(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(payload)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
