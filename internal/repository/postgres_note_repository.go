package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notes-sharing-server/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const noteColumns = `id, uploader_id, file_ref, subject, semester, branch, approved, uploaded_at,
	original_name, content_type, size, checksum, approved_at, approved_by`

type postgresNoteRepository struct {
	db DBTX
}

func NewPostgresNoteRepository(db DBTX) NoteRepository {
	return &postgresNoteRepository{db: db}
}

func (r *postgresNoteRepository) Insert(ctx context.Context, note *domain.Note) error {
	query := `
		INSERT INTO notes (` + noteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Exec(ctx, query,
		note.ID, note.UploaderID, note.FileRef, note.Subject, note.Semester, note.Branch,
		note.Approved, note.UploadedAt, note.OriginalName, note.ContentType, note.Size,
		note.Checksum, note.ApprovedAt, note.ApprovedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: note %s already exists", domain.ErrPersistence, note.ID)
		}
		return fmt.Errorf("%w: failed to insert note: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (r *postgresNoteRepository) FindByID(ctx context.Context, id string) (*domain.Note, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	query := `SELECT ` + noteColumns + ` FROM notes WHERE id = $1`

	note, err := scanNote(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to find note: %w", domain.ErrPersistence, err)
	}
	return note, nil
}

func (r *postgresNoteRepository) FindAll(ctx context.Context, filter domain.NoteFilter) ([]*domain.Note, error) {
	where, args := buildNoteWhere(filter)
	query := `SELECT ` + noteColumns + ` FROM notes` + where + ` ORDER BY uploaded_at DESC, id ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query notes: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan note: %w", domain.ErrPersistence, err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate notes: %w", domain.ErrPersistence, err)
	}

	// Postgres orders uuids by bytes; keep the same tie-break as the CouchDB store.
	SortNotes(notes)
	return notes, nil
}

// UpdateApproved keeps the first approval's timestamp and approver.
func (r *postgresNoteRepository) UpdateApproved(ctx context.Context, id, approvedBy string, at time.Time) (*domain.Note, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	query := `
		UPDATE notes
		SET approved = TRUE,
			approved_at = COALESCE(approved_at, $2),
			approved_by = COALESCE(approved_by, $3)
		WHERE id = $1
		RETURNING ` + noteColumns

	note, err := scanNote(r.db.QueryRow(ctx, query, id, at, approvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to approve note: %w", domain.ErrPersistence, err)
	}
	return note, nil
}

func (r *postgresNoteRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func scanNote(row pgx.Row) (*domain.Note, error) {
	var n domain.Note
	err := row.Scan(
		&n.ID, &n.UploaderID, &n.FileRef, &n.Subject, &n.Semester, &n.Branch,
		&n.Approved, &n.UploadedAt, &n.OriginalName, &n.ContentType, &n.Size,
		&n.Checksum, &n.ApprovedAt, &n.ApprovedBy,
	)
	if err != nil {
		return nil, err
	}
	n.UploadedAt = n.UploadedAt.UTC()
	if n.ApprovedAt != nil {
		t := n.ApprovedAt.UTC()
		n.ApprovedAt = &t
	}
	return &n, nil
}

// buildNoteWhere builds the WHERE clause and its positional arguments.
func buildNoteWhere(filter domain.NoteFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.UploaderID != nil {
		add("uploader_id", *filter.UploaderID)
	}
	if filter.Subject != nil {
		add("subject", *filter.Subject)
	}
	if filter.Semester != nil {
		add("semester", *filter.Semester)
	}
	if filter.Branch != nil {
		add("branch", *filter.Branch)
	}
	if filter.Approved != nil {
		add("approved", *filter.Approved)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
