// Package deliver orchestrates one delivery attempt: archive the original,
// authorize the sender, rate-check, rewrite headers, send, record outcomes.
package deliver

import (
	"context"
	"log/slog"

	"github.com/nfd/majordummo/internal/archive"
	"github.com/nfd/majordummo/internal/config"
	"github.com/nfd/majordummo/internal/email"
	"github.com/nfd/majordummo/internal/filter"
	"github.com/nfd/majordummo/internal/history"
	"github.com/nfd/majordummo/internal/provider"
)

// Status is the terminal state of a delivery attempt. It is meaningful only
// when Deliver returns a nil error.
type Status int

const (
	// StatusSent means the message went through the full pipeline. Partial
	// per-recipient failure still counts as sent.
	StatusSent Status = iota

	// StatusRejectedSender means the sender is not a list member and
	// reject_non_recipients is enabled. Nothing was sent.
	StatusRejectedSender

	// StatusRateLimited means the sender posted too recently. Nothing was
	// sent and the post history is unchanged.
	StatusRateLimited
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusRejectedSender:
		return "rejected-sender"
	case StatusRateLimited:
		return "rate-limited"
	default:
		return "unknown"
	}
}

// Pipeline runs one message through the relay. All collaborators are
// injected at construction; a nil history store disables the rate-limit
// stage entirely.
type Pipeline struct {
	cfg     *config.Config
	archive *archive.Archive
	history *history.Store
	sender  provider.Sender
	filter  *filter.Filter
}

// New assembles a Pipeline.
func New(cfg *config.Config, arch *archive.Archive, hist *history.Store, sender provider.Sender) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		archive: arch,
		history: hist,
		sender:  sender,
		filter:  filter.New(cfg),
	}
}

// Deliver handles one raw inbound message start to finish. Policy rejections
// (non-member sender, rate limit) return a status with a nil error; parse,
// archive, store, and session-establishment failures propagate and abort the
// attempt.
func (p *Pipeline) Deliver(ctx context.Context, raw []byte) (Status, error) {
	// The original is archived before parsing, so even unparseable input
	// leaves a trace.
	if err := p.archive.StoreOriginal(raw); err != nil {
		return StatusSent, err
	}

	msg, err := email.Parse(raw)
	if err != nil {
		return StatusSent, err
	}

	sender, err := msg.SenderAddress()
	if err != nil {
		// An absent or mangled From header leaves an empty sender, which
		// the authorization check below rejects like any other stranger.
		slog.Warn("could not determine sender address", "error", err)
		sender = ""
	}

	if p.cfg.RejectNonRecipients && !p.cfg.IsRecipient(sender) {
		slog.Warn("not sending message: sender is not a list member", "sender", sender)
		return StatusRejectedSender, nil
	}

	if p.history != nil {
		limited, err := p.history.IsRateLimited(sender)
		if err != nil {
			return StatusSent, err
		}
		if limited {
			slog.Warn("not sending message: sender is rate limited", "sender", sender)
			return StatusRateLimited, nil
		}
	}

	p.filter.Apply(msg.Header())

	rendered, err := msg.Bytes()
	if err != nil {
		return StatusSent, err
	}

	slog.Debug("sending rewritten message", "sender", sender, "provider", p.sender.Name())
	outcome, err := p.sender.Send(ctx, rendered, p.cfg.Recipients)
	if err != nil {
		return StatusSent, err
	}

	// The sender spent their post slot by being accepted, not by being
	// delivered: the history update does not depend on the outcome.
	if p.history != nil {
		if err := p.history.RecordPost(sender); err != nil {
			return StatusSent, err
		}
	}

	if len(outcome.Failed) > 0 {
		slog.Warn("delivery failed for some recipients", "failed", outcome.Failed)
		if err := p.archive.LogFailed(outcome.Failed); err != nil {
			return StatusSent, err
		}
	}
	if len(outcome.Succeeded) > 0 {
		if err := p.archive.LogSucceeded(outcome.SucceededList(p.cfg.Recipients)); err != nil {
			return StatusSent, err
		}
	}

	return StatusSent, nil
}
