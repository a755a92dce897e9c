package jobs

import (
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

// maxAttemptsCeiling keeps a typo from retrying a job forever.
const maxAttemptsCeiling = 50

// localLayouts are the zone-less forms the console sends from a
// datetime-local input.
var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// ParseScheduledTime accepts RFC 3339, or a local date-time interpreted in
// timezone (DefaultTimezone when empty).
func ParseScheduledTime(raw, timezone string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.Invalid("scheduledTime is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, apperr.Invalid("unknown time zone %q", timezone)
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Invalid("scheduledTime %q is neither RFC 3339 nor YYYY-MM-DDTHH:MM[:SS]", raw)
}

// validate normalizes a draft into an unsaved job.
func (s *Service) validate(d Draft) (models.Job, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return models.Job{}, apperr.Invalid("name is required")
	}
	if !d.Type.Valid() {
		return models.Job{}, apperr.Invalid("unknown job type %q", d.Type)
	}
	tz := strings.TrimSpace(d.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return models.Job{}, apperr.Invalid("unknown time zone %q", tz)
	}
	if d.ScheduledTime.IsZero() {
		return models.Job{}, apperr.Invalid("scheduledTime is required")
	}
	pattern := d.RepeatPattern
	if pattern == "" {
		pattern = models.RepeatOnce
	}
	attempts := d.MaxAttempts
	if attempts == 0 {
		attempts = s.opts.DefaultMaxAttempts
	}
	if attempts < 1 || attempts > maxAttemptsCeiling {
		return models.Job{}, apperr.Invalid("maxAttempts must be between 1 and %d", maxAttemptsCeiling)
	}

	job := models.Job{
		Type:             d.Type,
		Name:             name,
		ScheduledTime:    d.ScheduledTime,
		Timezone:         tz,
		RepeatPattern:    pattern,
		RepeatExpression: strings.TrimSpace(d.RepeatExpression),
		DelayMinutes:     d.DelayMinutes,
		MaxAttempts:      attempts,
	}

	switch d.Type {
	case models.JobTypeBinary:
		if d.Email != nil {
			return models.Job{}, apperr.Invalid("BINARY job must not carry an email payload")
		}
		p, err := s.validateBinary(d.Binary)
		if err != nil {
			return models.Job{}, err
		}
		job.Binary = p
	case models.JobTypeEmail:
		if d.Binary != nil {
			return models.Job{}, apperr.Invalid("EMAIL job must not carry a binary payload")
		}
		p, err := validateEmail(d.Email)
		if err != nil {
			return models.Job{}, err
		}
		job.Email = p
	}
	return job, nil
}

func (s *Service) validateBinary(p *models.BinaryPayload) (*models.BinaryPayload, error) {
	if p == nil {
		return nil, apperr.Invalid("binary payload is required")
	}
	out := *p
	out.ArtifactReference = strings.TrimSpace(out.ArtifactReference)
	switch {
	case out.ArtifactReference == "":
		return nil, apperr.Invalid("artifact reference is required")
	case strings.HasPrefix(out.ArtifactReference, "s3://"):
		if len(strings.SplitN(strings.TrimPrefix(out.ArtifactReference, "s3://"), "/", 2)) != 2 {
			return nil, apperr.Invalid("artifact reference %q must be s3://bucket/key", out.ArtifactReference)
		}
	case filepath.IsAbs(out.ArtifactReference):
		if !s.opts.AllowLocalArtifacts {
			return nil, apperr.Invalid("local artifact paths are disabled")
		}
	default:
		// a bare object name is resolved against the default bucket
		if strings.Contains(out.ArtifactReference, "..") {
			return nil, apperr.Invalid("artifact reference %q must not contain '..'", out.ArtifactReference)
		}
	}
	if out.FileSizeBytes < 0 {
		return nil, apperr.Invalid("fileSize must not be negative")
	}
	if _, err := shellquote.Split(out.Arguments); err != nil {
		return nil, apperr.Invalid("arguments %q: %s", out.Arguments, err)
	}
	if out.OriginalFilename == "" {
		out.OriginalFilename = filepath.Base(out.ArtifactReference)
	}
	return &out, nil
}

// validateEmail parses every recipient and drops duplicates, keeping the
// first occurrence.
func validateEmail(p *models.EmailPayload) (*models.EmailPayload, error) {
	if p == nil {
		return nil, apperr.Invalid("email payload is required")
	}
	out := *p
	recipients, err := NormalizeRecipients(p.Recipients)
	if err != nil {
		return nil, err
	}
	out.Recipients = recipients
	out.Subject = strings.TrimSpace(out.Subject)
	if out.Subject == "" {
		return nil, apperr.Invalid("subject is required")
	}
	if strings.TrimSpace(out.BodyContent) == "" {
		return nil, apperr.Invalid("body content is required")
	}
	if out.SenderEmail != "" {
		addr, err := mail.ParseAddress(out.SenderEmail)
		if err != nil {
			return nil, apperr.Invalid("sender %q is not a valid address", out.SenderEmail)
		}
		out.SenderEmail = addr.Address
	}
	return &out, nil
}

// NormalizeRecipients validates addresses and removes case-insensitive
// duplicates while preserving order. An empty result is a validation error.
func NormalizeRecipients(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, apperr.Invalid("recipient %q is not a valid address", r)
		}
		key := strings.ToLower(addr.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr.Address)
	}
	if len(out) == 0 {
		return nil, apperr.Invalid("at least one recipient is required")
	}
	return out, nil
}
