// Email transport backed by SendGrid's v3 mail send API.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/justinndidit/notifications-core/internal/pipeline"
)

type EmailConfig struct {
	APIKey      string
	FromEmail   string
	FromName    string
	SandboxMode bool
}

type EmailAdapter struct {
	cfg    EmailConfig
	client *sendgrid.Client
}

func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, client: sendgrid.NewSendClient(cfg.APIKey)}
}

func (a *EmailAdapter) Send(ctx context.Context, msg pipeline.RenderedMessage) (map[string]any, error) {
	if msg.UserEmail == "" {
		return nil, pipeline.NewTerminalError("transport.email", fmt.Errorf("no recipient email"))
	}

	from := mail.NewEmail(a.cfg.FromName, a.cfg.FromEmail)
	to := mail.NewEmail("", msg.UserEmail)
	m := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)
	if a.cfg.SandboxMode {
		m.MailSettings = mail.NewMailSettings().SetSandboxMode(mail.NewSetting(true))
	}

	var statusCode int
	err := withRetry(ctx, func() error {
		resp, sendErr := a.client.SendWithContext(ctx, m)
		if sendErr != nil {
			return sendErr
		}
		statusCode = resp.StatusCode

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// 4xx never succeeds on retry; Permanent stops withRetry and
			// the terminal classification survives its unwrapping.
			return backoff.Permanent(pipeline.NewTerminalError("transport.email.send",
				fmt.Errorf("sendgrid rejected message: status %d: %s", resp.StatusCode, resp.Body)))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("sendgrid server error: status %d", resp.StatusCode)
		}
		return nil
	})

	if err != nil {
		var term *pipeline.TerminalError
		if errors.As(err, &term) {
			return nil, term
		}
		return nil, pipeline.NewTransientError("transport.email.send", err)
	}

	return map[string]any{"recipient": msg.UserEmail, "transport": "sendgrid", "status_code": statusCode}, nil
}
