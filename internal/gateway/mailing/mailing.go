// Package mailing delivers invitation mails, either through the mailing service's HTTP API
// or directly over SMTP with templates embedded in the binary.
package mailing

import (
	"context"
	"net/http"
	"time"

	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/gateway"
)

const gatewayName = "mailing"

// New returns the mailing gateway selected by cfg.Driver
func New(cfg *config.MailingConfig, timeout time.Duration) gateway.MailingGateway {
	if cfg.Driver == "smtp" {
		return NewSMTPMailer(&cfg.SMTP, cfg.DefaultLanguage)
	}
	return NewHTTPMailer(cfg.BaseURL, timeout)
}

// HTTPMailer posts mails to the mailing service, which owns rendering
type HTTPMailer struct {
	http *gateway.Client
}

// NewHTTPMailer creates a mailer for the service at baseURL
func NewHTTPMailer(baseURL string, timeout time.Duration) *HTTPMailer {
	return &HTTPMailer{http: gateway.NewClient(gatewayName, baseURL, timeout)}
}

type mailRequest struct {
	Template  string         `json:"template"`
	Subject   string         `json:"subject,omitempty"`
	Recipient string         `json:"recipient"`
	Language  string         `json:"language,omitempty"`
	Variables map[string]any `json:"variables"`
}

// Send posts one mail
func (m *HTTPMailer) Send(ctx context.Context, mail gateway.Mail) error {
	_, err := m.http.Do(ctx, gateway.Request{
		Operation: "send_mail",
		Method:    http.MethodPost,
		Path:      "/mails",
		Body: mailRequest{
			Template:  mail.Template,
			Subject:   mail.Subject,
			Recipient: mail.Recipient,
			Language:  mail.Language,
			Variables: mail.Variables,
		},
	}, nil)
	return err
}

var (
	_ gateway.MailingGateway = (*HTTPMailer)(nil)
	_ gateway.MailingGateway = (*SMTPMailer)(nil)
)
