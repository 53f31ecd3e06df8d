// Package email sends run report emails via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"meetup-messager/pkg/outreach"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends run reports using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// New creates a new email sender delivering reports to the given address.
func New(provider Provider, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// SendRunReport emails a summary of a finished run.
func (s *Sender) SendRunReport(ctx context.Context, summary *outreach.RunSummary) error {
	subject := reportSubject(summary)
	body := formatReportBody(summary)

	s.logger.Info("Sending run report",
		"to", s.to,
		"subject", subject,
		"sent", summary.Sent)

	if err := s.provider.Send(ctx, s.to, subject, body); err != nil {
		return fmt.Errorf("send run report: %w", err)
	}
	return nil
}
