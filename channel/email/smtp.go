package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailpulse/mailpulse/errors"
)

const (
	gmailHost = "smtp.gmail.com"
	gmailPort = 587
)

type smtpSettings struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS, usually port 465
	User     string
	Password string
}

// smtpTransport keeps one authenticated connection for the whole job
type smtpTransport struct {
	conn   net.Conn
	client *smtp.Client
	host   string
}

func dialSMTP(ctx context.Context, s smtpSettings, timeout time.Duration) (*smtpTransport, error) {
	if s.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	port := s.Port
	if port == 0 {
		port = 587
		if s.Secure {
			port = 465
		}
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if s.Secure {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "smtp greeting failed")
	}
	t := &smtpTransport{conn: conn, client: client, host: s.Host}

	if !s.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
				t.abort()
				return nil, errors.Wrap(err, "smtp STARTTLS failed")
			}
		}
	}

	if s.User != "" {
		if err := client.Auth(smtp.PlainAuth("", s.User, s.Password, s.Host)); err != nil {
			t.abort()
			return nil, errors.Wrap(err, "smtp authentication failed")
		}
	}

	conn.SetDeadline(time.Time{})
	return t, nil
}

func (t *smtpTransport) Send(ctx context.Context, env envelope) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
		defer t.conn.SetDeadline(time.Time{})
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.host)
	raw, err := buildMIME(env, messageID)
	if err != nil {
		return "", err
	}

	if err := t.transaction(env, raw); err != nil {
		// Leave the connection ready for the next item
		t.client.Reset()
		return "", err
	}
	return messageID, nil
}

func (t *smtpTransport) transaction(env envelope, raw []byte) error {
	if err := t.client.Mail(env.From); err != nil {
		return errors.Wrap(err, "MAIL FROM rejected")
	}
	if err := t.client.Rcpt(env.To); err != nil {
		return errors.Wrapf(err, "RCPT TO %s failed", env.To)
	}
	w, err := t.client.Data()
	if err != nil {
		return errors.Wrap(err, "DATA rejected")
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return errors.Wrap(err, "failed to write message")
	}
	return errors.Wrap(w.Close(), "message not accepted")
}

func (t *smtpTransport) Close() error {
	err := t.client.Quit()
	if err != nil {
		t.conn.Close()
	}
	return err
}

func (t *smtpTransport) abort() {
	t.client.Close()
}

// buildMIME renders a multipart/alternative message with quoted-printable parts
func buildMIME(env envelope, messageID string) ([]byte, error) {
	boundary := "mp-" + strings.ReplaceAll(uuid.NewString(), "-", "")

	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", env.fromHeader())
	header("To", env.To)
	header("Subject", mime.QEncoding.Encode("utf-8", env.Subject))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary))
	b.WriteString("\r\n")

	for _, part := range []struct{ contentType, body string }{
		{"text/plain", env.Text},
		{"text/html", env.HTML},
	} {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", part.contentType)
		b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		qp := quotedprintable.NewWriter(&b)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, errors.Wrap(err, "failed to encode message body")
		}
		if err := qp.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to encode message body")
		}
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes(), nil
}
