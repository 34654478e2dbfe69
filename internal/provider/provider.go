// Package provider defines the interface for mail delivery backends and the
// per-recipient outcome they report.
package provider

import "context"

// Outcome partitions the recipients of one delivery attempt: every input
// recipient lands in exactly one of Succeeded or Failed. Failed keeps the
// order in which recipients failed.
type Outcome struct {
	Succeeded map[string]struct{}
	Failed    []string
}

// NewOutcome returns an empty outcome.
func NewOutcome() *Outcome {
	return &Outcome{Succeeded: make(map[string]struct{})}
}

// Succeed records a delivered recipient.
func (o *Outcome) Succeed(recipient string) {
	o.Succeeded[recipient] = struct{}{}
}

// Fail records a failed recipient.
func (o *Outcome) Fail(recipient string) {
	o.Failed = append(o.Failed, recipient)
}

// FailRemaining bulk-fails every recipient not already recorded, in input
// order. Used when the transport dies mid-loop and no further attempts are
// possible.
func (o *Outcome) FailRemaining(recipients []string) {
	done := make(map[string]struct{}, len(o.Succeeded)+len(o.Failed))
	for r := range o.Succeeded {
		done[r] = struct{}{}
	}
	for _, r := range o.Failed {
		done[r] = struct{}{}
	}
	for _, r := range recipients {
		if _, ok := done[r]; !ok {
			o.Fail(r)
		}
	}
}

// SucceededList returns the succeeded recipients as a slice, in the order
// they appear in recipients. Handy for archiving.
func (o *Outcome) SucceededList(recipients []string) []string {
	out := make([]string, 0, len(o.Succeeded))
	for _, r := range recipients {
		if _, ok := o.Succeeded[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Sender is the interface delivery backends implement. One call delivers one
// rendered message to each recipient individually within one backend
// session.
type Sender interface {
	// Send attempts delivery of the raw message to every recipient and
	// reports the succeeded/failed partition. A non-nil error means the
	// session could not be established at all; per-recipient trouble is
	// reported through the Outcome, not the error.
	Send(ctx context.Context, raw []byte, recipients []string) (*Outcome, error)

	// Name returns the human-readable name of this backend.
	Name() string
}
