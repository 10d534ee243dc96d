package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/logging"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/scheduler"
	"github.com/JonMunkholm/dataload/internal/store"
)

const (
	defaultErrorPage = 100
	maxErrorPage     = 1000
)

// submitRequest is the body of POST /api/jobs, either as JSON or as the
// text fields of a multipart upload.
type submitRequest struct {
	// Path is relative to the upload directory. Ignored for uploads.
	Path       string            `json:"path"`
	FileID     string            `json:"file_id"`
	Format     string            `json:"format"`
	Target     string            `json:"target"`
	Table      string            `json:"table"`
	Mapping    map[string]string `json:"mapping"`
	KeyColumns []string          `json:"key_columns"`
	Mode       string            `json:"mode"`
	Conflict   string            `json:"conflict"`
}

// job validates the request and builds the job it describes.
func (req submitRequest) job() (pipeline.Job, error) {
	job := pipeline.Job{
		FileID:     req.FileID,
		Path:       req.Path,
		Target:     req.Target,
		Table:      req.Table,
		Mapping:    req.Mapping,
		KeyColumns: req.KeyColumns,
	}
	if req.Format != "" {
		f, err := ingest.ParseFormat(req.Format)
		if err != nil {
			return job, err
		}
		job.Format = f
	}
	if req.Mode != "" {
		m, err := load.ParseMode(req.Mode)
		if err != nil {
			return job, err
		}
		job.Mode = m
	}
	if req.Conflict != "" {
		p, err := load.ParsePolicy(req.Conflict)
		if err != nil {
			return job, err
		}
		job.Conflict = p
	}
	return job, nil
}

// formRequest reads a submitRequest from multipart fields. mapping is a
// JSON object and key_columns a comma-separated list.
func formRequest(r *http.Request) (submitRequest, error) {
	req := submitRequest{
		Format:   r.FormValue("format"),
		Target:   r.FormValue("target"),
		Table:    r.FormValue("table"),
		Mode:     r.FormValue("mode"),
		Conflict: r.FormValue("conflict"),
	}
	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Mapping); err != nil {
			return req, fmt.Errorf("invalid mapping: %w", err)
		}
	}
	for _, col := range strings.Split(r.FormValue("key_columns"), ",") {
		if col = strings.TrimSpace(col); col != "" {
			req.KeyColumns = append(req.KeyColumns, col)
		}
	}
	return req, nil
}

// handleSubmitJob accepts a file upload or a reference to a file already
// in the upload directory and hands the job to the scheduler.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var (
		req      submitRequest
		uploaded *upload
		err      error
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		uploaded, err = s.receiveUpload(w, r)
		if err != nil {
			s.respondUploadError(w, r, err)
			return
		}
		if req, err = formRequest(r); err != nil {
			uploaded.remove()
			badRequest(w, err.Error())
			return
		}
		req.Path, req.FileID = uploaded.path, uploaded.id
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		if req.Path == "" {
			badRequest(w, "path is required")
			return
		}
		req.Path = s.uploadPath(req.Path)
	}

	job, err := req.job()
	if err != nil {
		uploaded.remove()
		badRequest(w, err.Error())
		return
	}

	if uploaded != nil && s.deps.Files != nil {
		if err := s.deps.Files.RegisterFile(r.Context(), uploaded.id, uploaded.filename, string(uploaded.format)); err != nil {
			uploaded.remove()
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
	}

	st, err := s.deps.Jobs.Submit(r.Context(), job)
	if err != nil {
		uploaded.remove()
		if errors.Is(err, scheduler.ErrBusy) {
			w.Header().Set("Retry-After", "30")
		}
		s.respondError(w, r, err, statusFor(err))
		return
	}

	logging.ForJob(r.Context(), st.ID, "api").Info("job submitted",
		"path", job.Path,
		"target", job.Target,
	)
	w.Header().Set("Location", "/api/jobs/"+st.ID)
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Jobs.List()
	slices.SortFunc(jobs, func(a, b scheduler.Status) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if status := r.URL.Query().Get("status"); status != "" {
		jobs = slices.DeleteFunc(jobs, func(st scheduler.Status) bool {
			return string(st.Status) != status
		})
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	st, err := s.lookupJob(r, id)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Jobs.Cancel(id); err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if s.deps.Errors == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error:   http.StatusText(http.StatusNotImplemented),
			Message: "error storage is not configured",
		})
		return
	}

	limit, err := queryInt(r, "limit", defaultErrorPage)
	if err != nil || limit < 1 || limit > maxErrorPage {
		badRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxErrorPage))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		badRequest(w, "offset must be a non-negative integer")
		return
	}

	records, err := s.deps.Errors.ListErrors(r.Context(), id, limit, offset)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []pipeline.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"limit":  limit,
		"offset": offset,
		"errors": records,
	})
}

// handleJobEvents streams progress as Server-Sent Events until the current
// attempt finishes. Clients reconnecting with Last-Event-ID skip updates
// they already have.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if s.deps.Progress == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error:   http.StatusText(http.StatusNotImplemented),
			Message: "progress streaming is not configured",
		})
		return
	}

	st, err := s.lookupJob(r, id)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logging.FromContext(r.Context()).Error("event stream", "job_id", id, "error", err)
		return
	}
	// The server write timeout would cut the stream short.
	_ = rc.SetWriteDeadline(time.Time{})

	if st.Status.Terminal() && st.NextRetryAt == nil {
		writeEvent(w, "status", "", st)
		writeEvent(w, "complete", "", struct{}{})
		_ = rc.Flush()
		return
	}

	lastSeen := -1
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			lastSeen = n
		}
	}

	updates, unsubscribe := s.deps.Progress.Subscribe(id)
	defer unsubscribe()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				writeEvent(w, "complete", "", struct{}{})
				_ = rc.Flush()
				return
			}
			if u.RowsProcessed <= lastSeen && !u.Done() {
				continue
			}
			lastSeen = u.RowsProcessed
			writeEvent(w, "progress", strconv.Itoa(u.RowsProcessed), u)
			_ = rc.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// lookupJob asks the scheduler first and falls back to stored history.
func (s *Server) lookupJob(r *http.Request, id string) (scheduler.Status, error) {
	st, err := s.deps.Jobs.Status(id)
	if err == nil || !errors.Is(err, scheduler.ErrNotFound) || s.deps.History == nil {
		return st, err
	}

	state, herr := s.deps.History.GetJob(r.Context(), id)
	if errors.Is(herr, store.ErrJobNotFound) {
		return scheduler.Status{}, err
	}
	if herr != nil {
		return scheduler.Status{}, herr
	}
	return scheduler.Status{State: state}, nil
}

// jobID reads and validates the {jobID} URL parameter.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(id); err != nil {
		badRequest(w, "job id must be a UUID")
		return "", false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeEvent(w http.ResponseWriter, event, id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
