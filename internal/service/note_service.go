package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"notes-sharing-server/internal/domain"
	"notes-sharing-server/internal/events"
	"notes-sharing-server/internal/metrics"
	"notes-sharing-server/internal/policy"
	"notes-sharing-server/internal/repository"
	"notes-sharing-server/internal/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// sniffLen is how much of an upload is buffered for MIME detection.
const sniffLen = 3072

type EventPublisher interface {
	Publish(ctx context.Context, topic string, ev events.NoteEvent) error
}

type NoteService struct {
	repo         repository.NoteRepository
	store        storage.FileStore
	publisher    EventPublisher
	validate     *validator.Validate
	allowedTypes []string
	logger       *slog.Logger
	now          func() time.Time
}

// NewNoteService wires the lifecycle service. publisher may be nil; an empty
// allowedTypes accepts any file type.
func NewNoteService(
	repo repository.NoteRepository,
	store storage.FileStore,
	publisher EventPublisher,
	allowedTypes []string,
	logger *slog.Logger,
) *NoteService {
	return &NoteService{
		repo:         repo,
		store:        store,
		publisher:    publisher,
		validate:     newValidator(),
		allowedTypes: allowedTypes,
		logger:       logger.With(slog.String("component", "note_service")),
		now:          time.Now,
	}
}

// Upload stores the file first and then records the note. If the record
// cannot be written the stored file is logged as orphaned and deleted on a
// best-effort basis.
func (s *NoteService) Upload(ctx context.Context, identity *domain.Identity, file io.Reader, originalName string, req *domain.UploadNoteRequest) (*domain.Note, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.NewValidationError("subject", "is required")
	}

	meta := domain.UploadNoteRequest{
		Subject:  strings.TrimSpace(req.Subject),
		Semester: req.Semester,
		Branch:   strings.TrimSpace(req.Branch),
	}
	if err := s.validate.Struct(meta); err != nil {
		return nil, toValidationError(err)
	}

	if file == nil {
		return nil, domain.NewValidationError("file", "is required")
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: failed to read upload: %w", domain.ErrStorage, err)
	}
	if n == 0 {
		return nil, domain.NewValidationError("file", "is empty")
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	if !s.typeAllowed(mtype) {
		return nil, domain.NewValidationError("file", fmt.Sprintf("type %s is not allowed", mtype.String()))
	}

	originalName = strings.TrimSpace(originalName)
	obj, err := s.store.Save(ctx, io.MultiReader(bytes.NewReader(head), file), storage.ObjectMeta{
		OriginalName: originalName,
		UploaderID:   identity.SubjectID,
		ContentType:  mtype.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}

	note := &domain.Note{
		ID:           uuid.New().String(),
		UploaderID:   identity.SubjectID,
		FileRef:      obj.Ref,
		Subject:      meta.Subject,
		Semester:     meta.Semester,
		Branch:       meta.Branch,
		Approved:     false,
		UploadedAt:   s.now().UTC().Truncate(time.Microsecond),
		OriginalName: originalName,
		ContentType:  mtype.String(),
		Size:         obj.Size,
		Checksum:     obj.Checksum,
	}

	if err := s.repo.Insert(ctx, note); err != nil {
		s.logger.Error("note insert failed, stored file is orphaned",
			slog.String("file_ref", obj.Ref),
			slog.String("note_id", note.ID),
			slog.String("uploader_id", note.UploaderID),
			slog.String("error", err.Error()),
		)
		if delErr := s.store.Delete(context.WithoutCancel(ctx), obj.Ref); delErr != nil {
			s.logger.Error("failed to delete orphaned file",
				slog.String("file_ref", obj.Ref),
				slog.String("error", delErr.Error()),
			)
		}
		if !errors.Is(err, domain.ErrPersistence) {
			err = fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		return nil, err
	}

	metrics.NotesUploaded.Inc()
	s.publish(ctx, events.TopicNoteUploaded, note)

	s.logger.Info("note uploaded",
		slog.String("note_id", note.ID),
		slog.String("uploader_id", note.UploaderID),
		slog.String("content_type", note.ContentType),
		slog.Int64("size", note.Size),
	)

	return note, nil
}

func (s *NoteService) typeAllowed(mtype *mimetype.MIME) bool {
	if len(s.allowedTypes) == 0 {
		return true
	}
	// Walk up the hierarchy so "text/plain" also admits text/csv and friends.
	for m := mtype; m != nil; m = m.Parent() {
		for _, allowed := range s.allowedTypes {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// List returns every note the caller may enumerate: all of them for admins,
// approved ones for everyone else.
func (s *NoteService) List(ctx context.Context, identity *domain.Identity) ([]*domain.Note, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}
	return s.repo.FindAll(ctx, policy.VisibilityFilter(identity.IsAdmin))
}

// ListOwn returns the caller's own notes whatever their approval state.
func (s *NoteService) ListOwn(ctx context.Context, identity *domain.Identity) ([]*domain.Note, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}
	return s.repo.FindAll(ctx, policy.OwnerFilter(identity.SubjectID))
}

// Search narrows List with exact, case-sensitive matches on the present
// fields. Blank strings are treated as absent.
func (s *NoteService) Search(ctx context.Context, identity *domain.Identity, req *domain.SearchNotesRequest) ([]*domain.Note, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}

	filter := policy.VisibilityFilter(identity.IsAdmin)
	if req == nil {
		return s.repo.FindAll(ctx, filter)
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}

	filter.Subject = nonBlank(req.Subject)
	filter.Branch = nonBlank(req.Branch)
	filter.Semester = req.Semester

	return s.repo.FindAll(ctx, filter)
}

// Approve marks a note approved. Permission is checked before existence, so
// a non-admin never learns whether an id exists. Approving an approved note
// returns it unchanged.
func (s *NoteService) Approve(ctx context.Context, identity *domain.Identity, noteID string) (*domain.Note, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}
	if !policy.CanApprove(identity.IsAdmin) {
		return nil, domain.ErrForbidden
	}

	at := s.now().UTC().Truncate(time.Microsecond)
	note, err := s.repo.UpdateApproved(ctx, noteID, identity.SubjectID, at)
	if err != nil {
		return nil, err
	}

	transitioned := note.ApprovedAt != nil && note.ApprovedAt.Equal(at) &&
		note.ApprovedBy != nil && *note.ApprovedBy == identity.SubjectID
	if transitioned {
		metrics.NotesApproved.Inc()
		s.publish(ctx, events.TopicNoteApproved, note)
		s.logger.Info("note approved",
			slog.String("note_id", note.ID),
			slog.String("approved_by", identity.SubjectID),
		)
	}

	return note, nil
}

// Download returns the note's bytes. Existence is checked before permission.
// The caller must close the returned reader.
func (s *NoteService) Download(ctx context.Context, identity *domain.Identity, noteID string) (io.ReadCloser, *domain.Note, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, nil, err
	}

	note, err := s.repo.FindByID(ctx, noteID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.NoteDownloads.WithLabelValues(metrics.DownloadNotFound).Inc()
		} else {
			metrics.NoteDownloads.WithLabelValues(metrics.DownloadError).Inc()
		}
		return nil, nil, err
	}

	if !policy.CanDownload(identity.IsAdmin, note) {
		metrics.NoteDownloads.WithLabelValues(metrics.DownloadForbidden).Inc()
		return nil, nil, domain.ErrForbidden
	}

	rc, err := s.store.Open(ctx, note.FileRef)
	if err != nil {
		metrics.NoteDownloads.WithLabelValues(metrics.DownloadError).Inc()
		s.logger.Error("failed to open note file",
			slog.String("note_id", note.ID),
			slog.String("file_ref", note.FileRef),
			slog.String("error", err.Error()),
		)
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}

	metrics.NoteDownloads.WithLabelValues(metrics.DownloadServed).Inc()
	return rc, note, nil
}

// Ready reports whether the repository is reachable.
func (s *NoteService) Ready(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *NoteService) publish(ctx context.Context, topic string, note *domain.Note) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, events.NewNoteEvent(note, s.now())); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("topic", topic),
			slog.String("note_id", note.ID),
			slog.String("error", err.Error()),
		)
	}
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
