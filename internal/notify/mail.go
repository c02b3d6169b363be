package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// SMTPConfig configures the Mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Operator receives alerts and reports that have no requester email.
	Operator string
	Brand    string
	Timeout  time.Duration
}

type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// Mailer sends report documents and critical alerts by SMTP.
type Mailer struct {
	cfg  SMTPConfig
	now  func() time.Time
	send sendFunc
}

// NewMailer creates a Mailer. Port 465 uses implicit TLS; any other port
// upgrades with STARTTLS when the server offers it.
func NewMailer(cfg SMTPConfig) (*Mailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("notify: smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Brand == "" {
		cfg.Brand = "Herald"
	}
	m := &Mailer{cfg: cfg, now: time.Now}
	m.send = m.sendSMTP
	return m, nil
}

// Deliver emails doc to the requester, or to the operator when the request
// has no requester address.
func (m *Mailer) Deliver(ctx context.Context, req *models.ReportRequest, doc models.RenderedDocument) error {
	to := req.Requester.Email
	if to == "" {
		to = m.cfg.Operator
	}
	if to == "" {
		return fmt.Errorf("notify: mail: request %s has no recipient", req.ID)
	}

	subject := fmt.Sprintf("Your %s report: %s", m.cfg.Brand, req.Topic)
	name := req.Requester.Name
	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>Your report on <strong>%s</strong> is attached.</p><p>The %s team</p>",
		html.EscapeString(name), html.EscapeString(req.Topic), html.EscapeString(m.cfg.Brand),
	)

	msg, err := m.buildMessage(to, subject, body, &doc)
	if err != nil {
		return fmt.Errorf("notify: mail: build: %w", err)
	}
	if err := m.send(ctx, m.cfg.From, []string{to}, msg); err != nil {
		metrics.Notifications.WithLabelValues("email_report", string(models.DeliveryFailed)).Inc()
		return fmt.Errorf("notify: mail: send to %s: %w", to, err)
	}
	metrics.Notifications.WithLabelValues("email_report", string(models.DeliveryDelivered)).Inc()
	log.Info().Str("request_id", req.ID).Str("to", to).Str("file", doc.Filename).Msg("notify: report emailed")
	return nil
}

func (m *Mailer) Name() string { return "email" }

func (m *Mailer) Accepts(sev models.Severity) bool {
	return m.cfg.Operator != "" && sev == models.SeverityCritical
}

// Send emails a critical alert to the operator.
func (m *Mailer) Send(ctx context.Context, ev models.AlertEvent) error {
	body := "<pre>" + html.EscapeString(FormatText(ev)) + "</pre>"
	msg, err := m.buildMessage(m.cfg.Operator, fmt.Sprintf("[%s] %s", m.cfg.Brand, ev.Title), body, nil)
	if err != nil {
		return fmt.Errorf("notify: mail: build alert: %w", err)
	}
	if err := m.send(ctx, m.cfg.From, []string{m.cfg.Operator}, msg); err != nil {
		return fmt.Errorf("notify: mail: alert: %w", err)
	}
	return nil
}

func (m *Mailer) buildMessage(to, subject, htmlBody string, attachment *models.RenderedDocument) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("From", m.cfg.From)
	hdr.Set("To", to)
	hdr.Set("Subject", mime.QEncoding.Encode("utf-8", subject))
	hdr.Set("Date", m.now().Format(time.RFC1123Z))
	hdr.Set("Message-ID", m.messageID())
	hdr.Set("MIME-Version", "1.0")
	hdr.Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())

	var head bytes.Buffer
	for _, k := range []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"} {
		fmt.Fprintf(&head, "%s: %s\r\n", k, hdr.Get(k))
	}
	head.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	if attachment != nil {
		ct := attachment.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": attachment.Filename})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Filename})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, attachment.Content); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := w.Write([]byte(enc + "\r\n"))
	return err
}

func (m *Mailer) messageID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	domain := m.cfg.Host
	if _, d, ok := strings.Cut(m.cfg.From, "@"); ok {
		domain = strings.Trim(d, "> ")
	}
	return fmt.Sprintf("<%s@%s>", hex.EncodeToString(b[:]), domain)
}

func (m *Mailer) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	tlsCfg := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if m.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(m.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	defer c.Close()

	if m.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return c.Quit()
}
