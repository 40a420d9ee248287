package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"notes-sharing-server/internal/domain"
	"notes-sharing-server/internal/middleware"
	"notes-sharing-server/internal/service"
	"notes-sharing-server/pkg/response"

	"github.com/gorilla/mux"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

type NoteHandler struct {
	service       *service.NoteService
	maxUploadSize int64
	logger        *slog.Logger
}

func NewNoteHandler(service *service.NoteService, maxUploadSize int64, logger *slog.Logger) *NoteHandler {
	return &NoteHandler{
		service:       service,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "note_handler")),
	}
}

func (h *NoteHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RequestTooLarge(w, "File exceeds the maximum upload size")
			return
		}
		response.BadRequest(w, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	semester, err := strconv.Atoi(strings.TrimSpace(r.FormValue("semester")))
	if err != nil {
		h.writeError(w, r, domain.NewValidationError("semester", "must be an integer between 1 and 8"))
		return
	}

	req := &domain.UploadNoteRequest{
		Subject:  r.FormValue("subject"),
		Semester: semester,
		Branch:   r.FormValue("branch"),
	}

	var (
		file io.Reader
		name string
	)
	f, header, err := r.FormFile("noteFile")
	switch {
	case err == nil:
		defer f.Close()
		file, name = f, header.Filename
	case errors.Is(err, http.ErrMissingFile):
		// the service reports the missing file after checking the metadata
	default:
		response.BadRequest(w, "Invalid file part")
		return
	}

	note, err := h.service.Upload(r.Context(), middleware.GetIdentity(r), file, name, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Created(w, "Note uploaded and awaiting approval", note)
}

// List returns the visible notes. Filters sent as query parameters turn it
// into a search.
func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("subject") || q.Has("semester") || q.Has("branch") {
		h.Search(w, r)
		return
	}

	notes, err := h.service.List(r.Context(), middleware.GetIdentity(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, notes)
}

func (h *NoteHandler) Search(w http.ResponseWriter, r *http.Request) {
	req, err := searchRequestFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	notes, err := h.service.Search(r.Context(), middleware.GetIdentity(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, notes)
}

func (h *NoteHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	notes, err := h.service.ListOwn(r.Context(), middleware.GetIdentity(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, notes)
}

func (h *NoteHandler) Approve(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["id"]

	note, err := h.service.Approve(r.Context(), middleware.GetIdentity(r), noteID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Success(w, note)
}

func (h *NoteHandler) Download(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["id"]

	rc, note, err := h.service.Download(r.Context(), middleware.GetIdentity(r), noteID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := note.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", contentDisposition(note))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if note.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(note.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted",
			slog.String("note_id", note.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *NoteHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.ErrorWithDetails(w, http.StatusBadRequest, "Validation failed", validationErr.Fields)
	case errors.Is(err, domain.ErrUnauthenticated):
		response.Unauthorized(w, "Authentication required")
	case errors.Is(err, domain.ErrForbidden):
		response.Forbidden(w, "Insufficient privilege")
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "Note not found")
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		response.InternalError(w, "Internal server error")
	}
}

func searchRequestFromQuery(r *http.Request) (*domain.SearchNotesRequest, error) {
	q := r.URL.Query()
	req := &domain.SearchNotesRequest{}

	if q.Has("subject") {
		subject := q.Get("subject")
		req.Subject = &subject
	}
	if q.Has("branch") {
		branch := q.Get("branch")
		req.Branch = &branch
	}
	if raw := strings.TrimSpace(q.Get("semester")); raw != "" {
		semester, err := strconv.Atoi(raw)
		if err != nil {
			return nil, domain.NewValidationError("semester", "must be an integer between 1 and 8")
		}
		req.Semester = &semester
	}

	return req, nil
}

func contentDisposition(note *domain.Note) string {
	name := note.OriginalName
	if name == "" {
		name = note.ID
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
