package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"jobscheduler/internal/logging"
	"jobscheduler/internal/mail"
	"jobscheduler/internal/models"
)

// Email delivers one message per recipient so failures stay per recipient.
type Email struct {
	sender  mail.Sender
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewEmail builds the email executor. ratePerSec paces sends across every
// job on this worker; zero disables pacing.
func NewEmail(sender mail.Sender, ratePerSec float64, log *zap.SugaredLogger) *Email {
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return &Email{sender: sender, limiter: lim, log: logging.Component(log, "email")}
}

// Execute sends to the narrowed retry set when present, else to every
// recipient. Recipients that already received the message are never in the
// retry set, so they are not sent to twice.
func (e *Email) Execute(ctx context.Context, job models.Job, checkpoint Checkpoint) Outcome {
	if job.Email == nil {
		return Fatal("job has no email payload")
	}
	if !e.sender.Enabled() || !e.sender.Configured() {
		return Deferred("mail transport not configured")
	}
	targets := job.Email.Recipients
	if len(job.Retry.Recipients) > 0 {
		targets = job.Retry.Recipients
	}
	if err := checkpoint(); err != nil {
		return Cancelled("cancelled before send")
	}

	sess, err := e.sender.Open(ctx)
	switch {
	case err == nil:
	case errors.Is(err, mail.ErrNotConfigured):
		return Deferred(err.Error())
	default:
		return Fatal("mail transport: " + err.Error())
	}
	defer sess.Close()

	var failed, reasons []string
	for i, rcpt := range targets {
		if err := checkpoint(); err != nil {
			return Cancelled(fmt.Sprintf("cancelled after %d of %d recipients", i, len(targets)))
		}
		if err := e.limiter.Wait(ctx); err != nil {
			failed = append(failed, targets[i:]...)
			reasons = append(reasons, "interrupted: "+err.Error())
			break
		}
		err := sess.Send(ctx, mail.Message{
			To:        rcpt,
			Subject:   job.Email.Subject,
			Text:      job.Email.BodyContent,
			HTML:      job.Email.HTMLContent,
			FromEmail: job.Email.SenderEmail,
			FromName:  job.Email.SenderName,
		})
		if err == nil {
			continue
		}
		if errors.Is(err, mail.ErrTransport) {
			o := Fatal(fmt.Sprintf("mail transport after %d of %d recipients: %s", i, len(targets), err))
			o.FailedRecipients = append(failed, targets[i:]...)
			return o
		}
		e.log.Warnw("Recipient failed", logging.FieldJobID, job.ID, "recipient", rcpt, "error", err)
		failed = append(failed, rcpt)
		reasons = append(reasons, rcpt+": "+err.Error())
	}

	if len(failed) > 0 {
		o := Retryable(fmt.Sprintf("%d of %d recipients failed: %s", len(failed), len(targets), strings.Join(reasons, "; ")))
		o.FailedRecipients = failed
		return o
	}
	return Success(fmt.Sprintf("delivered to %d recipients", len(targets)))
}
