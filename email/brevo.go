package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
)

// DefaultBrevoURL is the Brevo transactional email API.
const DefaultBrevoURL = "https://api.brevo.com/v3"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	fromAddr string
	fromName string
	client   *resty.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider. An empty baseURL uses DefaultBrevoURL.
func NewBrevoProvider(apiKey, fromAddr, fromName, baseURL string, logger *slog.Logger) *BrevoProvider {
	if baseURL == "" {
		baseURL = DefaultBrevoURL
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(30 * time.Second)
	client.SetHeader("api-key", apiKey)
	client.SetHeader("Content-Type", "application/json")

	return &BrevoProvider{
		fromAddr: fromAddr,
		fromName: fromName,
		client:   client,
		logger:   logger,
	}
}

// brevoSendRequest represents the Brevo API send email request.
type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	reqBody := brevoSendRequest{
		Sender: brevoContact{
			Email: b.fromAddr,
			Name:  b.fromName,
		},
		To: []brevoContact{
			{Email: to},
		},
		Subject: subject,
		HTML:    htmlBody,
	}

	return retry.Do(
		func() error {
			b.logger.Info("Brevo API request starting",
				"method", "POST",
				"endpoint", "smtp/email",
				"to", to,
				"subject", subject)

			startTime := time.Now()
			res, err := b.client.R().
				SetContext(ctx).
				SetBody(reqBody).
				Post("/smtp/email")
			duration := time.Since(startTime)

			if err != nil {
				b.logger.Warn("Brevo API request failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			if !res.IsSuccess() {
				b.logger.Warn("Brevo API returned non-2xx status, will retry",
					"status_code", res.StatusCode(),
					"to", to)
				err := fmt.Errorf("HTTP %d", res.StatusCode())
				// Client errors will not succeed on retry, except rate limiting.
				if res.StatusCode() >= 400 && res.StatusCode() < 500 && res.StatusCode() != 429 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			b.logger.Info("Brevo API request completed",
				"endpoint", "smtp/email",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
		}),
	)
}
