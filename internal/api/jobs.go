package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/jobs"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/models"
	"jobscheduler/internal/store"
)

const (
	jobTypeBinary = models.JobTypeBinary
	jobTypeEmail  = models.JobTypeEmail

	defaultPageSize = 10
	maxPageSize     = 200
	defaultDLQPeek  = 100
)

// jobRequest is the console's create payload. Binary and email fields share
// one body; the job type decides which are read. Field names follow the
// console, with the engine's own names accepted as aliases.
type jobRequest struct {
	Type             models.JobType       `json:"type"`
	Name             string               `json:"name"`
	ScheduledTime    string               `json:"scheduledTime"`
	Timezone         string               `json:"timezone"`
	RepeatPattern    models.RepeatPattern `json:"repeatPattern"`
	RepeatExpression string               `json:"repeatExpression"`
	DelayMinutes     int                  `json:"delayMinutes"`
	MaxAttempts      int                  `json:"maxAttempts"`

	FilePath          string `json:"filePath"`
	ArtifactReference string `json:"artifactReference"`
	FileSize          int64  `json:"fileSize"`
	Arguments         string `json:"arguments"`
	OriginalFilename  string `json:"originalFilename"`
	ContentType       string `json:"contentType"`

	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	Content     string   `json:"content"`
	BodyContent string   `json:"bodyContent"`
	Template    string   `json:"template"`
	TemplateID  string   `json:"templateId"`
	HTMLContent string   `json:"htmlContent"`
	SenderEmail string   `json:"senderEmail"`
	SenderName  string   `json:"senderName"`
}

// draft converts the request. forced, when set, is the type implied by the
// route and must agree with any type in the body.
func (req jobRequest) draft(forced models.JobType) (jobs.Draft, error) {
	t := req.Type
	if forced != "" {
		if t != "" && t != forced {
			return jobs.Draft{}, apperr.Invalid("type %q does not match endpoint for %s jobs", t, forced)
		}
		t = forced
	}
	if t == "" {
		return jobs.Draft{}, apperr.Invalid("type is required")
	}
	at, err := jobs.ParseScheduledTime(req.ScheduledTime, req.Timezone)
	if err != nil {
		return jobs.Draft{}, err
	}
	d := jobs.Draft{
		Type:             t,
		Name:             req.Name,
		ScheduledTime:    at,
		Timezone:         req.Timezone,
		RepeatPattern:    req.RepeatPattern,
		RepeatExpression: req.RepeatExpression,
		DelayMinutes:     req.DelayMinutes,
		MaxAttempts:      req.MaxAttempts,
	}
	switch t {
	case models.JobTypeBinary:
		d.Binary = &models.BinaryPayload{
			ArtifactReference: firstNonEmpty(req.FilePath, req.ArtifactReference),
			FileSizeBytes:     req.FileSize,
			Arguments:         req.Arguments,
			OriginalFilename:  req.OriginalFilename,
			ContentType:       req.ContentType,
		}
	case models.JobTypeEmail:
		d.Email = &models.EmailPayload{
			Recipients:  req.Recipients,
			Subject:     req.Subject,
			BodyContent: firstNonEmpty(req.Content, req.BodyContent),
			TemplateID:  firstNonEmpty(req.Template, req.TemplateID),
			HTMLContent: req.HTMLContent,
			SenderEmail: req.SenderEmail,
			SenderName:  req.SenderName,
		}
	}
	return d, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleCreate(forced models.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		d, err := req.draft(forced)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		job, err := s.deps.Jobs.Create(r.Context(), d)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Type:   models.JobType(q.Get("type")),
		Status: models.JobStatus(q.Get("status")),
	}
	if err := applySort(&f, q.Get("sortBy"), q.Get("sortDir")); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Jobs.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleListByStatus(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(chi.URLParam(r, "status"))
	if !status.Valid() {
		s.writeError(w, r, apperr.Invalid("unknown job status %q", status))
		return
	}
	list, err := s.deps.Jobs.List(r.Context(), store.Filter{Status: status})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

type pageResponse struct {
	Content       []models.Job `json:"content"`
	TotalElements int          `json:"totalElements"`
	TotalPages    int          `json:"totalPages"`
	Number        int          `json:"number"`
	Size          int          `json:"size"`
}

// handlePaginated serves ?page=&size=&sortBy=&sortDir=, newest first by default.
func (s *Server) handlePaginated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNo, err := intParam(q.Get("page"), 0)
	if err != nil || pageNo < 0 {
		s.writeError(w, r, apperr.Invalid("page must be a non-negative integer"))
		return
	}
	size, err := intParam(q.Get("size"), defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		s.writeError(w, r, apperr.Invalid("size must be between 1 and %d", maxPageSize))
		return
	}
	sortBy, sortDir := q.Get("sortBy"), q.Get("sortDir")
	if sortBy == "" {
		sortBy = store.SortCreatedAt
	}
	if sortDir == "" {
		sortDir = "desc"
	}
	f := store.Filter{
		Type:   models.JobType(q.Get("type")),
		Status: models.JobStatus(q.Get("status")),
		Limit:  size,
		Offset: pageNo * size,
	}
	if err := applySort(&f, sortBy, sortDir); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Jobs.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.deps.Jobs.Count(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{
		Content:       nonNil(list),
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
		Number:        pageNo,
		Size:          size,
	})
}

func applySort(f *store.Filter, sortBy, sortDir string) error {
	switch sortBy {
	case "", store.SortScheduledTime, store.SortCreatedAt, store.SortNextRun, store.SortName:
		f.SortBy = sortBy
	default:
		return apperr.Invalid("cannot sort by %q", sortBy)
	}
	switch strings.ToLower(sortDir) {
	case "", "asc":
	case "desc":
		f.SortDesc = true
	default:
		return apperr.Invalid("sortDir must be asc or desc")
	}
	return nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRuns lists a job's attempts. History outlives the job, so a deleted
// id still returns its runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.History.Query(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

// handleUpdateStatus maps ?status= onto an operator action: CANCELLED
// cancels, RUNNING fires now and PENDING re-enables.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target := models.JobStatus(r.URL.Query().Get("status"))
	var (
		job models.Job
		err error
	)
	switch target {
	case models.StatusCancelled:
		job, err = s.deps.Jobs.Cancel(r.Context(), id)
	case models.StatusRunning:
		job, err = s.deps.Jobs.RunNow(r.Context(), id)
	case models.StatusPending:
		job, err = s.deps.Jobs.Reenable(r.Context(), id)
	case "":
		err = apperr.Invalid("status query parameter is required")
	default:
		err = apperr.Invalid("status %q cannot be set directly", target)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Infow("Job status updated via API", logging.FieldJobID, id, logging.FieldStatus, target)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.RunNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDLQ returns the dead-letter contents (ids only), newest first.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r.URL.Query().Get("count"), defaultDLQPeek)
	if err != nil || count < 1 {
		s.writeError(w, r, apperr.Invalid("count must be a positive integer"))
		return
	}
	items, err := s.deps.Jobs.DeadLetters(r.Context(), int64(count))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}
