package domain

import "time"

type Note struct {
	ID         string    `json:"id"`
	UploaderID string    `json:"uploader_id"`
	FileRef    string    `json:"file_ref"`
	Subject    string    `json:"subject"`
	Semester   int       `json:"semester"`
	Branch     string    `json:"branch"`
	Approved   bool      `json:"approved"`
	UploadedAt time.Time `json:"uploaded_at"`

	OriginalName string     `json:"original_name"`
	ContentType  string     `json:"content_type"`
	Size         int64      `json:"size"`
	Checksum     string     `json:"checksum"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   *string    `json:"approved_by,omitempty"`
}

// UploadNoteRequest carries the metadata fields of a multipart upload.
// Every note starts pending, so there is no approved field.
type UploadNoteRequest struct {
	Subject  string `json:"subject" validate:"required,max=120"`
	Semester int    `json:"semester" validate:"min=1,max=8"`
	Branch   string `json:"branch" validate:"required,max=60"`
}

// SearchNotesRequest holds optional equality filters; nil means unconstrained.
type SearchNotesRequest struct {
	Subject  *string `json:"subject,omitempty"`
	Semester *int    `json:"semester,omitempty" validate:"omitempty,min=1,max=8"`
	Branch   *string `json:"branch,omitempty"`
}

// NoteFilter is a conjunction of optional equality constraints.
type NoteFilter struct {
	UploaderID *string
	Subject    *string
	Semester   *int
	Branch     *string
	Approved   *bool
}

func (f NoteFilter) Matches(n *Note) bool {
	if f.UploaderID != nil && n.UploaderID != *f.UploaderID {
		return false
	}
	if f.Subject != nil && n.Subject != *f.Subject {
		return false
	}
	if f.Semester != nil && n.Semester != *f.Semester {
		return false
	}
	if f.Branch != nil && n.Branch != *f.Branch {
		return false
	}
	if f.Approved != nil && n.Approved != *f.Approved {
		return false
	}
	return true
}
