// SMS transport backed by Twilio's messaging API.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/justinndidit/notifications-core/internal/pipeline"
)

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type SMSAdapter struct {
	cfg    SMSConfig
	client *twilio.RestClient
}

func NewSMSAdapter(cfg SMSConfig) *SMSAdapter {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSAdapter{cfg: cfg, client: client}
}

func (a *SMSAdapter) Send(ctx context.Context, msg pipeline.RenderedMessage) (map[string]any, error) {
	if msg.UserPhone == nil || *msg.UserPhone == "" {
		return nil, pipeline.NewTerminalError("transport.sms", fmt.Errorf("no recipient phone number"))
	}

	params := &api.CreateMessageParams{}
	params.SetTo(*msg.UserPhone)
	params.SetFrom(a.cfg.FromNumber)
	params.SetBody(msg.Body)

	var sid, status string
	err := withRetry(ctx, func() error {
		resp, sendErr := a.client.Api.CreateMessageWithContext(ctx, params)
		if sendErr != nil {
			return sendErr
		}

		if resp.Status != nil {
			status = *resp.Status
		}
		if resp.Sid != nil {
			sid = *resp.Sid
		}

		if status == "failed" || status == "undelivered" {
			return backoff.Permanent(pipeline.NewTerminalError("transport.sms.send",
				fmt.Errorf("twilio reported status %s", status)))
		}
		return nil
	})

	if err != nil {
		var term *pipeline.TerminalError
		if errors.As(err, &term) {
			return nil, term
		}
		return nil, pipeline.NewTransientError("transport.sms.send", err)
	}

	return map[string]any{"recipient": *msg.UserPhone, "transport": "twilio", "message_sid": sid, "status": status}, nil
}
