package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"notes-sharing-server/internal/domain"
	"notes-sharing-server/internal/events"
	"notes-sharing-server/internal/repository"
	"notes-sharing-server/internal/storage"
)

type mockNoteRepo struct {
	mu        sync.Mutex
	notes     map[string]*domain.Note
	insertErr error
}

func newMockNoteRepo() *mockNoteRepo {
	return &mockNoteRepo{
		notes: make(map[string]*domain.Note),
	}
}

func (m *mockNoteRepo) Insert(ctx context.Context, note *domain.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	n := *note
	m.notes[note.ID] = &n
	return nil
}

func (m *mockNoteRepo) FindByID(ctx context.Context, id string) (*domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, exists := m.notes[id]; exists {
		c := *n
		return &c, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockNoteRepo) FindAll(ctx context.Context, filter domain.NoteFilter) ([]*domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var notes []*domain.Note
	for _, n := range m.notes {
		if filter.Matches(n) {
			c := *n
			notes = append(notes, &c)
		}
	}
	repository.SortNotes(notes)
	return notes, nil
}

func (m *mockNoteRepo) UpdateApproved(ctx context.Context, id, approvedBy string, at time.Time) (*domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.notes[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	if !n.Approved {
		n.Approved = true
		n.ApprovedAt = &at
		n.ApprovedBy = &approvedBy
	}
	c := *n
	return &c, nil
}

func (m *mockNoteRepo) Ping(ctx context.Context) error { return nil }

type mockFileStore struct {
	mu      sync.Mutex
	files   map[string][]byte
	saveErr error
	seq     int
}

func newMockFileStore() *mockFileStore {
	return &mockFileStore{files: make(map[string][]byte)}
}

func (m *mockFileStore) Save(ctx context.Context, r io.Reader, meta storage.ObjectMeta) (*storage.Object, error) {
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("%d-%s", m.seq, meta.OriginalName)
	m.files[ref] = data
	return &storage.Object{Ref: ref, Size: int64(len(data)), Checksum: "sum"}, nil
}

func (m *mockFileStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[ref]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockFileStore) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, ev events.NoteEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockPublisher) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type testEnv struct {
	service   *NoteService
	repo      *mockNoteRepo
	store     *mockFileStore
	publisher *mockPublisher
}

func newTestEnv(allowed ...string) *testEnv {
	repo := newMockNoteRepo()
	store := newMockFileStore()
	pub := &mockPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		service:   NewNoteService(repo, store, pub, allowed, logger),
		repo:      repo,
		store:     store,
		publisher: pub,
	}
}

var (
	alice = &domain.Identity{SubjectID: "alice"}
	bob   = &domain.Identity{SubjectID: "bob"}
	admin = &domain.Identity{SubjectID: "admin-1", IsAdmin: true}
)

const pdfContent = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n"

func upload(t *testing.T, env *testEnv, who *domain.Identity, subject string, semester int, branch string) *domain.Note {
	t.Helper()
	note, err := env.service.Upload(context.Background(), who, strings.NewReader(pdfContent), "notes.pdf",
		&domain.UploadNoteRequest{Subject: subject, Semester: semester, Branch: branch})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return note
}

func ids(notes []*domain.Note) map[string]bool {
	out := make(map[string]bool, len(notes))
	for _, n := range notes {
		out[n.ID] = true
	}
	return out
}

func TestNoteService_Upload(t *testing.T) {
	env := newTestEnv()

	note, err := env.service.Upload(context.Background(), alice, strings.NewReader(pdfContent), " notes.pdf ",
		&domain.UploadNoteRequest{Subject: "  Maths ", Semester: 3, Branch: " CSE"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if note.ID == "" {
		t.Error("expected note ID to be generated")
	}
	if note.Approved {
		t.Error("new notes must start unapproved")
	}
	if note.UploaderID != "alice" {
		t.Errorf("UploaderID = %s, want alice", note.UploaderID)
	}
	if note.Subject != "Maths" || note.Branch != "CSE" {
		t.Errorf("metadata not trimmed: %q %q", note.Subject, note.Branch)
	}
	if note.ContentType != "application/pdf" {
		t.Errorf("ContentType = %s, want application/pdf", note.ContentType)
	}
	if note.Size != int64(len(pdfContent)) {
		t.Errorf("Size = %d, want %d", note.Size, len(pdfContent))
	}
	if note.OriginalName != "notes.pdf" {
		t.Errorf("OriginalName = %q", note.OriginalName)
	}
	if note.UploadedAt.Location() != time.UTC {
		t.Error("UploadedAt should be UTC")
	}

	stored, ok := env.store.files[note.FileRef]
	if !ok {
		t.Fatal("file was not stored")
	}
	if string(stored) != pdfContent {
		t.Error("stored bytes differ from upload, sniffed prefix lost?")
	}

	if _, err := env.repo.FindByID(context.Background(), note.ID); err != nil {
		t.Errorf("note not persisted: %v", err)
	}
	if env.publisher.count(events.TopicNoteUploaded) != 1 {
		t.Error("expected one note.uploaded event")
	}
}

func TestNoteService_Upload_Validation(t *testing.T) {
	tests := []struct {
		name      string
		req       *domain.UploadNoteRequest
		file      io.Reader
		wantField string
	}{
		{name: "semester 0", req: &domain.UploadNoteRequest{Subject: "Maths", Semester: 0, Branch: "CSE"}, file: strings.NewReader(pdfContent), wantField: "semester"},
		{name: "semester 9", req: &domain.UploadNoteRequest{Subject: "Maths", Semester: 9, Branch: "CSE"}, file: strings.NewReader(pdfContent), wantField: "semester"},
		{name: "negative semester", req: &domain.UploadNoteRequest{Subject: "Maths", Semester: -1, Branch: "CSE"}, file: strings.NewReader(pdfContent), wantField: "semester"},
		{name: "blank subject", req: &domain.UploadNoteRequest{Subject: "   ", Semester: 2, Branch: "CSE"}, file: strings.NewReader(pdfContent), wantField: "subject"},
		{name: "missing branch", req: &domain.UploadNoteRequest{Subject: "Maths", Semester: 2}, file: strings.NewReader(pdfContent), wantField: "branch"},
		{name: "subject too long", req: &domain.UploadNoteRequest{Subject: strings.Repeat("x", 121), Semester: 2, Branch: "CSE"}, file: strings.NewReader(pdfContent), wantField: "subject"},
		{name: "no file", req: &domain.UploadNoteRequest{Subject: "Maths", Semester: 2, Branch: "CSE"}, file: nil, wantField: "file"},
		{name: "empty file", req: &domain.UploadNoteRequest{Subject: "Maths", Semester: 2, Branch: "CSE"}, file: strings.NewReader(""), wantField: "file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			_, err := env.service.Upload(context.Background(), alice, tt.file, "a.pdf", tt.req)

			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %s, got %+v", tt.wantField, verr.Fields)
			}
			if len(env.store.files) != 0 {
				t.Error("nothing may be stored when validation fails")
			}
			if len(env.repo.notes) != 0 {
				t.Error("nothing may be persisted when validation fails")
			}
		})
	}
}

func TestNoteService_Upload_SemesterBounds(t *testing.T) {
	env := newTestEnv()
	for _, sem := range []int{1, 8} {
		if note := upload(t, env, alice, "Maths", sem, "CSE"); note.Semester != sem {
			t.Errorf("Semester = %d, want %d", note.Semester, sem)
		}
	}
}

func TestNoteService_Upload_AllowedTypes(t *testing.T) {
	env := newTestEnv("application/pdf", "text/plain")

	if _, err := env.service.Upload(context.Background(), alice, strings.NewReader("plain text notes"), "a.txt",
		&domain.UploadNoteRequest{Subject: "Maths", Semester: 1, Branch: "CSE"}); err != nil {
		t.Errorf("text upload error = %v", err)
	}

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err := env.service.Upload(context.Background(), alice, bytes.NewReader(png), "a.png",
		&domain.UploadNoteRequest{Subject: "Maths", Semester: 1, Branch: "CSE"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Fields[0].Field != "file" {
		t.Errorf("expected file ValidationError for png, got %v", err)
	}
}

func TestNoteService_Upload_StorageFailure(t *testing.T) {
	env := newTestEnv()
	env.store.saveErr = errors.New("disk full")

	_, err := env.service.Upload(context.Background(), alice, strings.NewReader(pdfContent), "a.pdf",
		&domain.UploadNoteRequest{Subject: "Maths", Semester: 1, Branch: "CSE"})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if len(env.repo.notes) != 0 {
		t.Error("no record may exist after a storage failure")
	}
}

func TestNoteService_Upload_PersistenceFailureCleansUpFile(t *testing.T) {
	env := newTestEnv()
	env.repo.insertErr = errors.New("connection reset")

	_, err := env.service.Upload(context.Background(), alice, strings.NewReader(pdfContent), "a.pdf",
		&domain.UploadNoteRequest{Subject: "Maths", Semester: 1, Branch: "CSE"})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(env.store.files) != 0 {
		t.Error("orphaned file should have been deleted")
	}
	if env.publisher.count(events.TopicNoteUploaded) != 0 {
		t.Error("no event may be published for a failed upload")
	}
}

func TestNoteService_Unauthenticated(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.service.List(ctx, nil); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("List(nil) error = %v", err)
	}
	if _, err := env.service.ListOwn(ctx, &domain.Identity{}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("ListOwn(empty) error = %v", err)
	}
	if _, _, err := env.service.Download(ctx, nil, "x"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("Download(nil) error = %v", err)
	}
}

func TestNoteService_ListVisibility(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	mine := upload(t, env, alice, "Maths", 3, "CSE")
	other := upload(t, env, bob, "Physics", 1, "ECE")
	if _, err := env.service.Approve(ctx, admin, other.ID); err != nil {
		t.Fatal(err)
	}

	list, err := env.service.List(ctx, alice)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := ids(list)
	if got[mine.ID] {
		t.Error("non-admin List must not include unapproved notes, even their own")
	}
	if !got[other.ID] {
		t.Error("approved note missing from List")
	}
	for _, n := range list {
		if !n.Approved {
			t.Errorf("non-admin saw unapproved note %s", n.ID)
		}
	}

	all, err := env.service.List(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("admin List returned %d notes, want 2", len(all))
	}
}

func TestNoteService_ListOwn(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	a1 := upload(t, env, alice, "Maths", 3, "CSE")
	a2 := upload(t, env, alice, "Maths", 4, "CSE")
	upload(t, env, bob, "Maths", 3, "CSE")
	if _, err := env.service.Approve(ctx, admin, a2.ID); err != nil {
		t.Fatal(err)
	}

	own, err := env.service.ListOwn(ctx, alice)
	if err != nil {
		t.Fatalf("ListOwn() error = %v", err)
	}
	if len(own) != 2 {
		t.Fatalf("ListOwn() returned %d notes, want 2", len(own))
	}
	got := ids(own)
	if !got[a1.ID] || !got[a2.ID] {
		t.Error("ListOwn must return pending and approved notes of the caller")
	}
	for _, n := range own {
		if n.UploaderID != "alice" {
			t.Errorf("ListOwn returned note of %s", n.UploaderID)
		}
	}

	none, err := env.service.ListOwn(ctx, &domain.Identity{SubjectID: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no notes for carol, got %d", len(none))
	}
}

func TestNoteService_ListOrdering(t *testing.T) {
	env := newTestEnv()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	env.service.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first := upload(t, env, alice, "Maths", 1, "CSE")
	second := upload(t, env, alice, "Maths", 1, "CSE")

	own, err := env.service.ListOwn(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	if own[0].ID != second.ID || own[1].ID != first.ID {
		t.Error("expected newest first")
	}
}

func TestNoteService_Search(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cse := upload(t, env, alice, "Maths", 3, "CSE")
	ece := upload(t, env, alice, "Maths", 3, "ECE")
	pending := upload(t, env, bob, "Maths", 3, "CSE")
	for _, n := range []*domain.Note{cse, ece} {
		if _, err := env.service.Approve(ctx, admin, n.ID); err != nil {
			t.Fatal(err)
		}
	}

	strPtr := func(s string) *string { return &s }
	intPtr := func(i int) *int { return &i }

	tests := []struct {
		name    string
		who     *domain.Identity
		req     *domain.SearchNotesRequest
		wantIDs []string
	}{
		{name: "branch CSE", who: bob, req: &domain.SearchNotesRequest{Branch: strPtr("CSE")}, wantIDs: []string{cse.ID}},
		{name: "branch CSE as admin", who: admin, req: &domain.SearchNotesRequest{Branch: strPtr("CSE")}, wantIDs: []string{cse.ID, pending.ID}},
		{name: "no filters", who: bob, req: &domain.SearchNotesRequest{}, wantIDs: []string{cse.ID, ece.ID}},
		{name: "nil request", who: bob, req: nil, wantIDs: []string{cse.ID, ece.ID}},
		{name: "blank branch ignored", who: bob, req: &domain.SearchNotesRequest{Branch: strPtr("  ")}, wantIDs: []string{cse.ID, ece.ID}},
		{name: "case sensitive", who: bob, req: &domain.SearchNotesRequest{Branch: strPtr("cse")}, wantIDs: nil},
		{name: "semester and subject", who: bob, req: &domain.SearchNotesRequest{Subject: strPtr("Maths"), Semester: intPtr(3)}, wantIDs: []string{cse.ID, ece.ID}},
		{name: "semester miss", who: bob, req: &domain.SearchNotesRequest{Semester: intPtr(4)}, wantIDs: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes, err := env.service.Search(ctx, tt.who, tt.req)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			got := ids(notes)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Search() returned %d notes, want %d", len(got), len(tt.wantIDs))
			}
			for _, id := range tt.wantIDs {
				if !got[id] {
					t.Errorf("missing note %s", id)
				}
			}
		})
	}

	for _, sem := range []int{0, 9} {
		s := sem
		_, err := env.service.Search(ctx, bob, &domain.SearchNotesRequest{Semester: &s})
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Search(semester=%d) error = %v, want ValidationError", sem, err)
		}
	}
}

func TestNoteService_Approve(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	note := upload(t, env, alice, "Maths", 3, "CSE")

	if _, err := env.service.Approve(ctx, alice, note.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("non-admin Approve error = %v, want ErrForbidden", err)
	}
	stored, _ := env.repo.FindByID(ctx, note.ID)
	if stored.Approved {
		t.Fatal("non-admin approval must leave the note unapproved")
	}

	if _, err := env.service.Approve(ctx, bob, "does-not-exist"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("non-admin Approve of missing note error = %v, want ErrForbidden", err)
	}
	if _, err := env.service.Approve(ctx, admin, "does-not-exist"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("admin Approve of missing note error = %v, want ErrNotFound", err)
	}

	approved, err := env.service.Approve(ctx, admin, note.ID)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !approved.Approved || approved.ApprovedBy == nil || *approved.ApprovedBy != "admin-1" || approved.ApprovedAt == nil {
		t.Errorf("approved note = %+v", approved)
	}
	if approved.FileRef != note.FileRef || approved.UploaderID != note.UploaderID || !approved.UploadedAt.Equal(note.UploadedAt) {
		t.Error("immutable fields changed on approval")
	}

	other := &domain.Identity{SubjectID: "admin-2", IsAdmin: true}
	again, err := env.service.Approve(ctx, other, note.ID)
	if err != nil {
		t.Fatalf("second Approve() error = %v", err)
	}
	if *again.ApprovedBy != "admin-1" || !again.ApprovedAt.Equal(*approved.ApprovedAt) {
		t.Error("re-approval must keep the first approval metadata")
	}
	if n := env.publisher.count(events.TopicNoteApproved); n != 1 {
		t.Errorf("note.approved published %d times, want 1", n)
	}
}

func TestNoteService_Download(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	note := upload(t, env, alice, "Maths", 3, "CSE")

	if _, _, err := env.service.Download(ctx, bob, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Download(missing) error = %v, want ErrNotFound", err)
	}
	if _, _, err := env.service.Download(ctx, admin, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("admin Download(missing) error = %v, want ErrNotFound", err)
	}

	if _, _, err := env.service.Download(ctx, bob, note.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("non-admin Download(unapproved) error = %v, want ErrForbidden", err)
	}
	if _, _, err := env.service.Download(ctx, alice, note.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("uploader Download(unapproved) error = %v, want ErrForbidden", err)
	}

	rc, got, err := env.service.Download(ctx, admin, note.ID)
	if err != nil {
		t.Fatalf("admin Download(unapproved) error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != pdfContent || got.ID != note.ID {
		t.Error("admin download returned wrong content")
	}

	delete(env.store.files, note.FileRef)
	if _, _, err := env.service.Download(ctx, admin, note.ID); !errors.Is(err, domain.ErrStorage) {
		t.Errorf("Download(missing file) error = %v, want ErrStorage", err)
	}
}

// A uploads, B cannot see it, the admin sees and approves it, then B can
// see and download it.
func TestNoteService_ApprovalScenario(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	note := upload(t, env, alice, "Maths", 3, "CSE")

	list, _ := env.service.List(ctx, bob)
	if ids(list)[note.ID] {
		t.Fatal("B must not see the pending note")
	}
	if _, _, err := env.service.Download(ctx, bob, note.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("B download before approval error = %v", err)
	}

	list, _ = env.service.List(ctx, admin)
	if !ids(list)[note.ID] {
		t.Fatal("admin must see the pending note")
	}

	if _, err := env.service.Approve(ctx, admin, note.ID); err != nil {
		t.Fatal(err)
	}

	list, _ = env.service.List(ctx, bob)
	if !ids(list)[note.ID] {
		t.Fatal("B must see the approved note")
	}

	rc, _, err := env.service.Download(ctx, bob, note.ID)
	if err != nil {
		t.Fatalf("B download after approval error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != pdfContent {
		t.Error("downloaded bytes differ from upload")
	}
}
