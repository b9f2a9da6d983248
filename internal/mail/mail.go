package mail

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// Message is an outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender logs messages instead of delivering them. It is the default
// transport until an SMTP relay is configured.
type LogSender struct {
	log *zap.Logger
}

// NewLogSender returns a Sender that writes to log.
func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log.Named("mail")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mail: recipient is required")
	}
	s.log.Info("mail queued",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return nil
}

var resetTmpl = template.Must(template.New("reset").Parse(`Hello {{.Username}},

We received a request to reset the password for {{.Email}}.
Use the link below within {{.TTL}} to choose a new password:

{{.Link}}

If you did not ask for this, you can ignore this message.
`))

// PasswordReset describes the reset mail content.
type PasswordReset struct {
	Email    string
	Username string
	Token    string
	BaseURL  string
	TTL      time.Duration
}

// Message renders the reset mail.
func (p PasswordReset) Message() (Message, error) {
	link := p.BaseURL
	if link == "" {
		link = "/reset-password/confirm"
	}
	u, err := url.Parse(link)
	if err != nil {
		return Message{}, err
	}
	q := u.Query()
	q.Set("token", p.Token)
	u.RawQuery = q.Encode()

	var body bytes.Buffer
	err = resetTmpl.Execute(&body, map[string]any{
		"Username": p.Username,
		"Email":    p.Email,
		"TTL":      p.TTL.String(),
		"Link":     u.String(),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{To: p.Email, Subject: "Reset your password", Body: body.String()}, nil
}
