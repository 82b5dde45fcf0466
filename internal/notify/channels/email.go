package channels

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"impersonation-detector/internal/models"
)

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

const defaultSMTPTimeout = 30 * time.Second

// Email sends plain-text mail through an SMTP relay.
type Email struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewEmail configures the relay. Auth is only used when a username is set.
func NewEmail(host string, port int, username, password, from string) *Email {
	e := &Email{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     from,
		sendMail: sendMail,
	}
	if username != "" {
		e.auth = smtp.PlainAuth("", username, password, host)
	}
	return e
}

// Send delivers msg to msg.To and returns the generated Message-ID.
func (e *Email) Send(ctx context.Context, msg Message) (string, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return "", &models.PermanentRejectionError{Reason: fmt.Sprintf("invalid email recipient %q", msg.To), Err: err}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSMTPTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), e.host)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", to.Address)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if msg.Priority == models.PriorityCritical || msg.Priority == models.PriorityHigh {
		b.WriteString("X-Priority: 1\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	if err := e.sendMail(ctx, e.addr, e.auth, e.from, []string{to.Address}, []byte(b.String())); err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return "", &models.PermanentRejectionError{Reason: "smtp rejected recipient", Err: err}
		}
		return "", &models.TransientUpstreamError{Service: "smtp", Err: err}
	}
	return messageID, nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// sendMail is smtp.SendMail bound to ctx: the dial honours cancellation and the connection
// deadline follows the context, so a stalled relay cannot outlive the delivery lock.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
