package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/health"
	"jobscheduler/internal/jobs"
	"jobscheduler/internal/mail"
)

const (
	defaultTestSubject = "Test Email from JobScheduler Pro"
	defaultTestContent = "This is a test email sent from JobScheduler Pro."
	defaultPresignTTL  = time.Hour
	maxPresignTTL      = 7 * 24 * time.Hour
)

type serviceStatus struct {
	Status health.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

type emailStatus struct {
	Configured bool          `json:"configured"`
	Enabled    bool          `json:"enabled"`
	Status     health.Status `json:"status,omitempty"`
}

type schedulerStatus struct {
	Alive   bool     `json:"alive"`
	Workers []string `json:"workers,omitempty"`
}

type healthServices struct {
	Email     emailStatus     `json:"email"`
	Minio     serviceStatus   `json:"minio"`
	Kafka     serviceStatus   `json:"kafka"`
	Database  serviceStatus   `json:"database"`
	Scheduler schedulerStatus `json:"scheduler"`
}

type healthResponse struct {
	Status      string         `json:"status"`
	Application string         `json:"application"`
	Version     string         `json:"version"`
	Profile     string         `json:"profile"`
	Timestamp   time.Time      `json:"timestamp"`
	Services    healthServices `json:"services"`
}

// handleHealth reports every dependency. The object store appears as
// "minio" and the message bus as "kafka", the names the console expects.
// The engine is DOWN only when the job store is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Health.Health(r.Context())
	dep := func(name string) serviceStatus {
		st, ok := rep.Dependencies[name]
		if !ok {
			st = health.StatusDown
		}
		return serviceStatus{Status: st, Error: rep.Errors[name]}
	}
	resp := healthResponse{
		Status:      "UP",
		Application: s.cfg.AppName,
		Version:     s.cfg.AppVersion,
		Profile:     s.cfg.Env,
		Timestamp:   rep.CheckedAt,
		Services: healthServices{
			Minio:     dep(health.Storage),
			Kafka:     dep(health.Bus),
			Database:  dep(health.Database),
			Scheduler: schedulerStatus{Alive: rep.SchedulerLoopAlive, Workers: rep.LiveWorkers},
		},
	}
	if s.deps.Mail != nil {
		resp.Services.Email = emailStatus{
			Configured: s.deps.Mail.Configured(),
			Enabled:    s.deps.Mail.Enabled(),
			Status:     rep.Dependencies[health.Email],
		}
	}
	code := http.StatusOK
	if resp.Services.Database.Status != health.StatusUp {
		resp.Status = "DOWN"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleHealthSimple(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "UP",
		"application": s.cfg.AppName,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleEmailConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"configured": false, "enabled": false, "senderEmail": "Not configured"}
	if s.deps.Mail != nil {
		resp["configured"] = s.deps.Mail.Configured()
		resp["enabled"] = s.deps.Mail.Enabled()
		if sender := s.deps.Mail.DefaultSender(); sender != "" {
			resp["senderEmail"] = sender
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type emailTestRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// handleEmailTest sends one message synchronously. Delivery failures are a
// 200 with success=false so the console can show the reason inline.
func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Mail == nil || !s.deps.Mail.Configured() || !s.deps.Mail.Enabled() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":    false,
			"configured": false,
			"error":      "Email service is not configured. Please set MAIL_USERNAME and MAIL_PASSWORD environment variables.",
		})
		return
	}
	var req emailTestRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := jobs.NormalizeRecipients([]string{req.To})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg := mail.Message{
		To:      to[0],
		Subject: firstNonEmpty(strings.TrimSpace(req.Subject), defaultTestSubject),
		Text:    firstNonEmpty(req.Content, defaultTestContent),
	}
	if err := s.sendOne(r, msg); err != nil {
		s.log.Warnw("Test email failed", "to", msg.To, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Failed to send test email: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Test email sent successfully to " + msg.To})
}

func (s *Server) sendOne(r *http.Request, msg mail.Message) error {
	sess, err := s.deps.Mail.Open(r.Context())
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Send(r.Context(), msg)
}

type uploadURLRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

// handleUploadURL hands the console a presigned PUT; the bytes go straight
// to the object store and the returned filePath is what a BINARY job names.
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		s.writeError(w, r, apperr.Unavailable(nil, "object storage is not configured"))
		return
	}
	var req uploadURLRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	up, err := s.deps.Files.PresignUpload(r.Context(), req.FileName, req.ContentType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) handlePresignedURL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		s.writeError(w, r, apperr.Unavailable(nil, "object storage is not configured"))
		return
	}
	q := r.URL.Query()
	object := q.Get("objectName")
	if object == "" {
		s.writeError(w, r, apperr.Invalid("objectName is required"))
		return
	}
	ttl := defaultPresignTTL
	if raw := q.Get("expirySeconds"); raw != "" {
		secs, err := intParam(raw, 0)
		if err != nil || secs < 1 || time.Duration(secs)*time.Second > maxPresignTTL {
			s.writeError(w, r, apperr.Invalid("expirySeconds must be between 1 and %d", int(maxPresignTTL.Seconds())))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	url, err := s.deps.Files.PresignDownload(r.Context(), object, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"presignedUrl": url, "objectName": object})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		s.writeError(w, r, apperr.Unavailable(nil, "object storage is not configured"))
		return
	}
	object := r.URL.Query().Get("objectName")
	if object == "" {
		s.writeError(w, r, apperr.Invalid("objectName is required"))
		return
	}
	if err := s.deps.Files.Delete(r.Context(), object); err != nil {
		s.writeError(w, r, errors.Wrapf(err, "delete %s", object))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "File deleted successfully"})
}
