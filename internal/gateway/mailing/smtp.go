package mailing

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"html"
	"html/template"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/telemetry"
)

//go:embed templates/*.html
var templateFS embed.FS

// sendFunc matches smtp.SendMail
type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer renders embedded templates and sends them over SMTP. Templates are named
// "<template>.<language>.html" and define a "subject" and a "body" block.
type SMTPMailer struct {
	cfg         *config.SMTPConfig
	defaultLang string
	templates   map[string]*template.Template
	send        sendFunc
}

// NewSMTPMailer parses the embedded templates. It panics on a malformed template since they
// ship with the binary.
func NewSMTPMailer(cfg *config.SMTPConfig, defaultLang string) *SMTPMailer {
	if defaultLang == "" {
		defaultLang = "en"
	}
	m := &SMTPMailer{
		cfg:         cfg,
		defaultLang: defaultLang,
		templates:   make(map[string]*template.Template),
	}
	if cfg.UseTLS {
		m.send = sendMailTLS
	} else {
		m.send = smtp.SendMail
	}

	files, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		panic(err)
	}
	for _, file := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(file, "templates/"), ".html")
		m.templates[name] = template.Must(template.ParseFS(templateFS, file))
	}
	return m
}

func (m *SMTPMailer) lookup(name, lang string) (*template.Template, error) {
	for _, l := range []string{strings.ToLower(lang), m.defaultLang} {
		if l == "" {
			continue
		}
		if t, ok := m.templates[name+"."+l]; ok {
			return t, nil
		}
	}
	return nil, apperror.Internal(nil, "no mail template %q for language %q", name, lang)
}

// render returns the subject and the html body of a mail
func (m *SMTPMailer) render(mail gateway.Mail) (string, string, error) {
	t, err := m.lookup(mail.Template, mail.Language)
	if err != nil {
		return "", "", err
	}

	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", mail.Variables); err != nil {
		return "", "", apperror.Internal(err, "failed to render subject of %s", mail.Template)
	}
	if err := t.ExecuteTemplate(&body, "body", mail.Variables); err != nil {
		return "", "", apperror.Internal(err, "failed to render mail %s", mail.Template)
	}

	s := strings.TrimSpace(html.UnescapeString(subject.String()))
	if s == "" {
		s = mail.Subject
	}
	return s, body.String(), nil
}

func (m *SMTPMailer) message(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// Send renders and delivers one mail. SMTP has no context support; ctx is only checked
// before dialing.
func (m *SMTPMailer) Send(ctx context.Context, mail gateway.Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body, err := m.render(mail)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	start := time.Now()
	err = m.send(addr, auth, m.cfg.From, []string{mail.Recipient}, m.message(mail.Recipient, subject, body))
	telemetry.GatewayRequestDuration.WithLabelValues(gatewayName, "send_mail").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.GatewayRequestsTotal.WithLabelValues(gatewayName, "send_mail", "error").Inc()
		slog.Warn("smtp delivery failed", "template", mail.Template, "error", err)
		return apperror.Upstream(0, err, "mail delivery failed")
	}
	telemetry.GatewayRequestsTotal.WithLabelValues(gatewayName, "send_mail", "ok").Inc()
	return nil
}

// sendMailTLS uses implicit TLS (port 465) and falls back to smtp.SendMail, which upgrades
// with STARTTLS when the server offers it.
func sendMailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid smtp address %q: %w", addr, err)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
