package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/schema"
)

const (
	defaultSampleRows = 10
	maxSampleRows     = 100
)

// errNoFile is returned when a multipart request has no "file" part.
var errNoFile = errors.New("no file provided")

// upload is a multipart file saved under the upload directory.
type upload struct {
	id       string
	filename string
	path     string
	format   ingest.Format
}

// remove deletes the saved file. Safe on nil.
func (u *upload) remove() {
	if u != nil {
		_ = os.Remove(u.path)
	}
}

// receiveUpload parses the multipart form and stores its "file" part as
// <uuid><ext> in the upload directory. The extension must name a supported
// format unless the form declares one.
func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, fmt.Errorf("file too large or invalid form: %w", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errNoFile
	}
	defer file.Close()

	format, err := uploadFormat(header.Filename, r.FormValue("format"))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	u := &upload{
		id:       uuid.NewString(),
		filename: filepath.Base(header.Filename),
		format:   format,
	}
	u.path = filepath.Join(s.opts.UploadDir, u.id+filepath.Ext(u.filename))

	dst, err := os.OpenFile(u.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		u.remove()
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		u.remove()
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return u, nil
}

func uploadFormat(filename, declared string) (ingest.Format, error) {
	if declared != "" {
		return ingest.ParseFormat(declared)
	}
	return ingest.DetectFormat(filename)
}

// uploadPath confines a client supplied path to the upload directory.
func (s *Server) uploadPath(p string) string {
	return filepath.Join(s.opts.UploadDir, filepath.FromSlash(path.Clean("/"+p)))
}

// respondUploadError maps failures from receiveUpload.
func (s *Server) respondUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		s.respondError(w, r, err, http.StatusRequestEntityTooLarge)
	case errors.Is(err, errNoFile):
		badRequest(w, err.Error())
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		s.respondError(w, r, err, http.StatusUnsupportedMediaType)
	default:
		s.respondError(w, r, err, http.StatusBadRequest)
	}
}

// inputStatus is the status for an error caused by the file's content.
func inputStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ingest.ErrEmptyFile),
		errors.Is(err, schema.ErrUnknownTarget),
		errors.Is(err, load.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case pipeline.Retryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// handleInspect reports format, headers, row count, a sample and lint
// issues for an uploaded file. The file is not kept.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	rows, err := queryInt(r, "rows", defaultSampleRows)
	if err != nil || rows < 0 || rows > maxSampleRows {
		badRequest(w, fmt.Sprintf("rows must be between 0 and %d", maxSampleRows))
		return
	}

	u, err := s.receiveUpload(w, r)
	if err != nil {
		s.respondUploadError(w, r, err)
		return
	}
	defer u.remove()

	insp, err := ingest.Inspect(u.path, u.format, rows)
	if err != nil {
		s.respondError(w, r, err, inputStatus(err))
		return
	}
	// Report the client's name, not where the file was staged.
	insp.Path = u.filename
	writeJSON(w, http.StatusOK, insp)
}

// handlePreview validates the first batch of an uploaded file against a
// target without loading anything. The file is not kept.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	u, err := s.receiveUpload(w, r)
	if err != nil {
		s.respondUploadError(w, r, err)
		return
	}
	defer u.remove()

	job := pipeline.Job{
		Path:   u.path,
		Format: u.format,
		Target: r.FormValue("target"),
	}
	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Mapping); err != nil {
			badRequest(w, "invalid mapping: "+err.Error())
			return
		}
	}

	result, err := s.deps.Previewer.Preview(r.Context(), job)
	if err != nil {
		s.respondError(w, r, err, inputStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
