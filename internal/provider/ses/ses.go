// Package ses implements a Sender that delivers the raw message through the
// AWS SES v2 API, one SendEmail call per recipient.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/nfd/majordummo/internal/provider"
)

// maxRetries is the maximum number of retry attempts per recipient for
// throttling failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the settings for creating a Sender.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MailFrom        string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation. Used for
// testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Sender delivers messages via the AWS SES v2 API. The already-rendered
// message bytes are sent as-is with the raw content type, so the rewritten
// headers reach recipients untouched.
type Sender struct {
	mailFrom string
	client   SendEmailAPI
}

// New creates a Sender with the given configuration.
func New(ctx context.Context, cfg Config) (*Sender, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Sender{
		mailFrom: cfg.MailFrom,
		client:   sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a Sender with a custom client, used for testing.
func NewWithClient(mailFrom string, client SendEmailAPI) *Sender {
	return &Sender{mailFrom: mailFrom, client: client}
}

// Name returns the backend name.
func (s *Sender) Name() string {
	return "ses"
}

// Send delivers raw to each recipient individually. An API error fails that
// recipient and the loop continues; context cancellation bulk-fails the
// remainder, mirroring a lost transport.
func (s *Sender) Send(ctx context.Context, raw []byte, recipients []string) (*provider.Outcome, error) {
	outcome := provider.NewOutcome()

	for _, recipient := range recipients {
		slog.Info("sending message", "recipient", recipient)

		err := s.sendOne(ctx, recipient, raw)
		if err == nil {
			outcome.Succeed(recipient)
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("context cancelled, abandoning remaining recipients", "error", err)
			outcome.FailRemaining(recipients)
			return outcome, nil
		}

		slog.Error("failed to send message", "recipient", recipient, "error", err)
		outcome.Fail(recipient)
	}

	return outcome, nil
}

// sendOne issues one SendEmail call for one recipient, retrying throttling
// errors with exponential backoff.
func (s *Sender) sendOne(ctx context.Context, recipient string, raw []byte) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.mailFrom),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"recipient", recipient,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled during send: %w", ctx.Err())
		}

		var throttle *types.TooManyRequestsException
		if !errors.As(err, &throttle) {
			return err
		}

		lastErr = err
		slog.Warn("SES API throttled",
			"recipient", recipient,
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// backoffDelay returns the exponential backoff delay for the given attempt.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for d or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
