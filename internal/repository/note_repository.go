package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"notes-sharing-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const (
	noteDocType  = "note"
	findPageSize = 500
)

type NoteRepository interface {
	Insert(ctx context.Context, note *domain.Note) error
	FindByID(ctx context.Context, id string) (*domain.Note, error)
	FindAll(ctx context.Context, filter domain.NoteFilter) ([]*domain.Note, error)
	UpdateApproved(ctx context.Context, id, approvedBy string, at time.Time) (*domain.Note, error)
	Ping(ctx context.Context) error
}

// noteDocument is the CouchDB shape of a note: the note fields plus the
// revision and a type discriminator for Mango queries.
type noteDocument struct {
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	domain.Note
}

type noteRepository struct {
	client *kivik.Client
	dbName string
}

func NewNoteRepository(client *kivik.Client, dbName string) NoteRepository {
	return &noteRepository{
		client: client,
		dbName: dbName,
	}
}

func noteDocID(id string) string {
	return fmt.Sprintf("note:%s", id)
}

// EnsureNoteIndexes creates the Mango index used by FindAll.
func EnsureNoteIndexes(ctx context.Context, client *kivik.Client, dbName string) error {
	db := client.DB(dbName)
	index := map[string]interface{}{
		"fields": []string{"doc_type", "uploaded_at"},
	}
	if err := db.CreateIndex(ctx, "notes", "doc_type-uploaded_at", index); err != nil {
		return fmt.Errorf("failed to create notes index: %w", err)
	}
	return nil
}

func (r *noteRepository) Insert(ctx context.Context, note *domain.Note) error {
	db := r.client.DB(r.dbName)

	doc := noteDocument{DocType: noteDocType, Note: *note}
	if _, err := db.Put(ctx, noteDocID(note.ID), doc); err != nil {
		return fmt.Errorf("%w: failed to insert note: %w", domain.ErrPersistence, err)
	}

	return nil
}

func (r *noteRepository) FindByID(ctx context.Context, id string) (*domain.Note, error) {
	doc, err := getDocument(ctx, r.client.DB(r.dbName), id)
	if err != nil {
		return nil, err
	}
	return &doc.Note, nil
}

func getDocument(ctx context.Context, db *kivik.DB, id string) (*noteDocument, error) {
	var doc noteDocument
	if err := db.Get(ctx, noteDocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to find note: %w", domain.ErrPersistence, err)
	}

	if doc.DocType != noteDocType {
		return nil, domain.ErrNotFound
	}

	return &doc, nil
}

func (r *noteRepository) FindAll(ctx context.Context, filter domain.NoteFilter) ([]*domain.Note, error) {
	db := r.client.DB(r.dbName)
	selector := buildSelector(filter)

	var notes []*domain.Note
	bookmark := ""
	for {
		query := map[string]interface{}{
			"selector": selector,
			"limit":    findPageSize,
		}
		if bookmark != "" {
			query["bookmark"] = bookmark
		}

		rows := db.Find(ctx, query)
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: failed to query notes: %w", domain.ErrPersistence, err)
		}

		count := 0
		for rows.Next() {
			count++
			var doc noteDocument
			if err := rows.ScanDoc(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: failed to scan note: %w", domain.ErrPersistence, err)
			}
			note := doc.Note
			notes = append(notes, &note)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: failed to iterate notes: %w", domain.ErrPersistence, err)
		}

		meta, err := rows.Metadata()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read query metadata: %w", domain.ErrPersistence, err)
		}

		if count < findPageSize || meta.Bookmark == "" || meta.Bookmark == bookmark {
			break
		}
		bookmark = meta.Bookmark
	}

	SortNotes(notes)
	return notes, nil
}

// UpdateApproved sets approved=true. A revision conflict means another writer
// touched the document first; the document is re-read and, if that writer
// already approved it, the stored note is returned as is.
func (r *noteRepository) UpdateApproved(ctx context.Context, id, approvedBy string, at time.Time) (*domain.Note, error) {
	db := r.client.DB(r.dbName)

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := getDocument(ctx, db, id)
		if err != nil {
			return nil, err
		}

		if doc.Approved {
			return &doc.Note, nil
		}

		doc.Approved = true
		doc.ApprovedAt = &at
		doc.ApprovedBy = &approvedBy

		_, err = db.Put(ctx, noteDocID(id), doc)
		if err == nil {
			return &doc.Note, nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return nil, fmt.Errorf("%w: failed to approve note: %w", domain.ErrPersistence, err)
		}
	}

	return nil, fmt.Errorf("%w: failed to approve note: %w", domain.ErrPersistence, errors.New("revision conflict"))
}

func (r *noteRepository) Ping(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("couchdb ping failed: %w", err)
	}
	if !ok {
		return errors.New("couchdb is not responding")
	}
	return nil
}

// buildSelector translates a NoteFilter into a Mango selector.
func buildSelector(filter domain.NoteFilter) map[string]interface{} {
	selector := map[string]interface{}{
		"doc_type": noteDocType,
	}
	if filter.UploaderID != nil {
		selector["uploader_id"] = *filter.UploaderID
	}
	if filter.Subject != nil {
		selector["subject"] = *filter.Subject
	}
	if filter.Semester != nil {
		selector["semester"] = *filter.Semester
	}
	if filter.Branch != nil {
		selector["branch"] = *filter.Branch
	}
	if filter.Approved != nil {
		selector["approved"] = *filter.Approved
	}
	return selector
}

// SortNotes orders newest first, ties broken by id.
func SortNotes(notes []*domain.Note) {
	sort.SliceStable(notes, func(i, j int) bool {
		if !notes[i].UploadedAt.Equal(notes[j].UploadedAt) {
			return notes[i].UploadedAt.After(notes[j].UploadedAt)
		}
		return notes[i].ID < notes[j].ID
	})
}
