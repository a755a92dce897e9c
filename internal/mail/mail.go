// Package mail sends job email over SMTP using github.com/wneessen/go-mail.
package mail

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/logging"
)

var (
	// ErrNotConfigured means no credentials are set; sends are deferred.
	ErrNotConfigured = errors.New("mail transport not configured")

	// ErrTransport marks a connection or authentication failure. It affects
	// every recipient, so retrying per recipient is pointless.
	ErrTransport = errors.New("mail transport failure")

	// ErrRejected marks a single recipient the server refused.
	ErrRejected = errors.New("recipient rejected")
)

// Message is one email to one recipient.
type Message struct {
	To        string
	Subject   string
	Text      string
	HTML      string
	FromEmail string
	FromName  string
}

// Session is an open, authenticated connection.
type Session interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Sender opens sessions against the mail server.
type Sender interface {
	Configured() bool
	Enabled() bool
	DefaultSender() string
	Open(ctx context.Context) (Session, error)
}

// Options configures the SMTP sender.
type Options struct {
	Enabled     bool
	Host        string
	Port        int
	Username    string
	Password    string
	SenderEmail string
	SenderName  string
	Timeout     time.Duration
}

// SMTP is the production Sender.
type SMTP struct {
	opts Options
	log  *zap.SugaredLogger
}

// NewSMTP builds an SMTP sender. It does not connect.
func NewSMTP(opts Options, log *zap.SugaredLogger) *SMTP {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.SenderEmail == "" {
		opts.SenderEmail = opts.Username
	}
	return &SMTP{opts: opts, log: logging.Component(log, "mail")}
}

// Configured reports whether credentials are present.
func (s *SMTP) Configured() bool {
	return s.opts.Host != "" && s.opts.Username != "" && s.opts.Password != ""
}

// Enabled reports the MAIL_ENABLED switch.
func (s *SMTP) Enabled() bool { return s.opts.Enabled }

// DefaultSender is the From address used when a job names none.
func (s *SMTP) DefaultSender() string { return s.opts.SenderEmail }

// Open dials and authenticates. Failures are ErrTransport; a missing
// configuration is ErrNotConfigured.
func (s *SMTP) Open(ctx context.Context) (Session, error) {
	if !s.Enabled() || !s.Configured() {
		return nil, errors.Mark(errors.Newf("mail host %q has no credentials or is disabled", s.opts.Host), ErrNotConfigured)
	}
	client, err := gomail.NewClient(s.opts.Host,
		gomail.WithPort(s.opts.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.opts.Username),
		gomail.WithPassword(s.opts.Password),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(s.opts.Timeout),
	)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "build smtp client"), ErrTransport)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dial %s:%d", s.opts.Host, s.opts.Port), ErrTransport)
	}
	return &smtpSession{client: client, opts: s.opts}, nil
}

// Probe checks TCP reachability of the server without authenticating.
func (s *SMTP) Probe(ctx context.Context) error {
	if !s.Configured() {
		return errors.Mark(errors.New("mail is not configured"), ErrNotConfigured)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
	if err != nil {
		return apperr.Unavailable(err, "dial smtp %s", s.opts.Host)
	}
	return conn.Close()
}

type smtpSession struct {
	client *gomail.Client
	opts   Options
}

func (s *smtpSession) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := build(msg, s.opts)
	if err != nil {
		return err
	}
	if err := s.client.Send(m); err != nil {
		var sendErr *gomail.SendError
		if errors.As(err, &sendErr) && sendErr.Reason == gomail.ErrConnCheck {
			return errors.Mark(errors.Wrapf(err, "send to %s", msg.To), ErrTransport)
		}
		return errors.Mark(errors.Wrapf(err, "send to %s", msg.To), ErrRejected)
	}
	return nil
}

func (s *smtpSession) Close() error {
	return s.client.Close()
}

func build(msg Message, opts Options) (*gomail.Msg, error) {
	from, name := msg.FromEmail, msg.FromName
	if from == "" {
		from = opts.SenderEmail
	}
	if name == "" {
		name = opts.SenderName
	}
	m := gomail.NewMsg()
	if err := m.FromFormat(name, from); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "sender %q", from), ErrTransport)
	}
	if err := m.To(msg.To); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "recipient %q", msg.To), ErrRejected)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}
