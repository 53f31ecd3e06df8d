package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"meetup-messager/browser"
	"meetup-messager/config"
	"meetup-messager/email"
	"meetup-messager/members"
	"meetup-messager/messenger"
	"meetup-messager/pkg/outreach"
	"meetup-messager/storage"

	gcs "cloud.google.com/go/storage"
)

// openStore returns the progress store and a func releasing its client.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.Storage.Bucket == "" {
		logger.Debug("Using local storage", "storage_path", cfg.Storage.LocalPath)
		return storage.New(nil, "", cfg.Storage.LocalPath, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Debug("Using Cloud Storage", "bucket", cfg.Storage.Bucket)
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.Storage.Bucket, "", logger), closeFn, nil
}

func newMembersClient(cfg *config.Config, logger *slog.Logger) *members.Client {
	return members.New(&members.Config{
		BaseURL:           cfg.MembersBaseURL,
		PageSize:          cfg.PageSize,
		Pause:             cfg.InterPagePause,
		RequestsPerSecond: cfg.APIRequestsPerSecond,
		IncludeOrganizers: cfg.IncludeOrganizers,
	}, logger)
}

// newReporter returns nil when no report recipient is configured.
func newReporter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*email.Sender, error) {
	r := cfg.Report
	if r.To == "" {
		return nil, nil
	}

	var provider email.Provider
	switch r.Provider {
	case "brevo":
		if r.BrevoAPIKey == "" || r.From == "" {
			return nil, errors.New("brevo reports need an API key and a from address")
		}
		provider = email.NewBrevoProvider(r.BrevoAPIKey, r.From, r.FromName, "", logger)
	case "gmail":
		svc, err := email.NewGmailService(ctx, r.GoogleCredentialsJSON)
		if err != nil {
			return nil, err
		}
		provider = email.NewGmailProvider(svc, logger)
	default:
		provider = email.NewMockProvider(logger)
	}

	logger.Info("Run reports enabled", "to", r.To, "provider", r.Provider)
	return email.New(provider, logger, r.To), nil
}

func messengerConfig(cfg *config.Config) *messenger.Config {
	return &messenger.Config{
		Email:             cfg.Email,
		Password:          cfg.Password,
		OwnGroup:          cfg.OwnGroup,
		Groups:            cfg.Groups,
		Templates:         cfg.Templates,
		MessagesPerMinute: cfg.MessagesPerMinute,
		ErrorMargin:       cfg.ErrorMargin,
		HumanDelayMin:     cfg.HumanDelayMin,
		HumanDelayMax:     cfg.HumanDelayMax,
		FirstPage:         cfg.FirstPage,
	}
}

// outreachRunner performs complete runs: a fresh browser per run, then the report.
type outreachRunner struct {
	cfg      *config.Config
	store    messenger.Store
	members  messenger.Members
	reporter *email.Sender
	logger   *slog.Logger

	// openBrowser is replaced in tests.
	openBrowser func(ctx context.Context) (messenger.Browser, func(), error)
}

func newOutreachRunner(cfg *config.Config, store messenger.Store, reporter *email.Sender, logger *slog.Logger) *outreachRunner {
	r := &outreachRunner{
		cfg:      cfg,
		store:    store,
		members:  newMembersClient(cfg, logger),
		reporter: reporter,
		logger:   logger,
	}
	r.openBrowser = func(ctx context.Context) (messenger.Browser, func(), error) {
		s, err := browser.New(ctx, &browser.Config{
			Headless:       cfg.Browser.Headless,
			UserDataDir:    cfg.Browser.UserDataDir,
			LoginTimeout:   cfg.Browser.LoginTimeout,
			ElementTimeout: cfg.Browser.ElementTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return r
}

// Run performs one outreach run and sends the report. Report failures are only logged.
func (r *outreachRunner) Run(ctx context.Context) (*outreach.RunSummary, error) {
	b, closeBrowser, err := r.openBrowser(ctx)
	if err != nil {
		return &outreach.RunSummary{OwnGroup: r.cfg.OwnGroup, Error: err.Error()}, err
	}
	defer closeBrowser()

	summary, runErr := messenger.New(r.members, b, r.store, messengerConfig(r.cfg), r.logger).Run(ctx)

	if r.reporter != nil {
		if err := r.reporter.SendRunReport(context.WithoutCancel(ctx), summary); err != nil {
			r.logger.Error("Failed to send run report", "error", err)
		}
	}
	return summary, runErr
}
