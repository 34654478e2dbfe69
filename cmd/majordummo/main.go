// Package main is the entry point for majordummo, a one-shot mailing-list
// relay: it reads one message from stdin, delivers it, and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nfd/majordummo/internal/archive"
	"github.com/nfd/majordummo/internal/config"
	"github.com/nfd/majordummo/internal/deliver"
	"github.com/nfd/majordummo/internal/history"
	"github.com/nfd/majordummo/internal/provider"
	"github.com/nfd/majordummo/internal/provider/ses"
	smtpsender "github.com/nfd/majordummo/internal/provider/smtp"
	"github.com/nfd/majordummo/internal/provider/stdout"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (YAML or JSON)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := run(cfg); err != nil {
		slog.Error("delivery attempt failed", "error", err)
		os.Exit(1)
	}
}

// run performs one delivery attempt start to finish.
func run(cfg *config.Config) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read message from stdin: %w", err)
	}

	arch, err := archive.New(cfg.ArchiveDir)
	if err != nil {
		return err
	}

	var hist *history.Store
	if cfg.RateLimitEnabled() {
		hist, err = history.Open(cfg.DB, cfg.RateLimitWindow())
		if err != nil {
			return err
		}
		defer func() {
			// The attempt is already over; an error closing the store is
			// logged and abandoned rather than failing the run.
			if cerr := hist.Close(); cerr != nil {
				slog.Error("failed to close post-history store", "error", cerr)
			}
		}()
	}

	sender, err := selectSender(cfg)
	if err != nil {
		return err
	}

	pipeline := deliver.New(cfg, arch, hist, sender)
	status, err := pipeline.Deliver(context.Background(), raw)
	if err != nil {
		return err
	}

	slog.Info("delivery attempt finished", "status", status.String())
	return nil
}

// loadConfig loads configuration from the specified path (file + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectSender chooses the delivery backend. An explicit provider key wins;
// otherwise SES is used when configured, falling back to plain SMTP.
func selectSender(cfg *config.Config) (provider.Sender, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses provider selected but ses.region is required")
		}
		return newSESSender(cfg)

	case "stdout":
		slog.Info("using stdout sender (dry run)")
		return stdout.New(), nil

	case "smtp":
		return newSMTPSender(cfg), nil

	case "":
		if cfg.SESConfigured() {
			return newSESSender(cfg)
		}
		if cfg.SMTP.MailFrom == "" {
			return nil, fmt.Errorf("smtp.mail_from is required for smtp delivery")
		}
		return newSMTPSender(cfg), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSMTPSender(cfg *config.Config) provider.Sender {
	slog.Info("using smtp sender",
		"host", cfg.SMTP.Host,
		"port", cfg.SMTP.Port,
		"mail_from", cfg.SMTP.MailFrom,
	)
	return smtpsender.New(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.MailFrom)
}

func newSESSender(cfg *config.Config) (provider.Sender, error) {
	slog.Info("using ses sender",
		"region", cfg.SES.Region,
		"mail_from", cfg.SMTP.MailFrom,
	)
	s, err := ses.New(context.Background(), ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		MailFrom:        cfg.SMTP.MailFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ses sender: %w", err)
	}
	return s, nil
}
