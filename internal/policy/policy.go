// Package policy decides which note operations a verified identity may perform.
// Every function here is pure; the only state is the admin allow-set fixed at construction.
package policy

import (
	"sort"
	"strings"

	"notes-sharing-server/internal/domain"
)

type Policy struct {
	admins map[string]struct{}
}

func New(adminIDs []string) *Policy {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		admins[id] = struct{}{}
	}
	return &Policy{admins: admins}
}

func (p *Policy) IsAdmin(subjectID string) bool {
	if subjectID == "" {
		return false
	}
	_, ok := p.admins[subjectID]
	return ok
}

// Admins returns the allow-set in sorted order.
func (p *Policy) Admins() []string {
	ids := make([]string, 0, len(p.admins))
	for id := range p.admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func CanViewAll(isAdmin bool) bool {
	return isAdmin
}

func CanViewOwn(subjectID string, note *domain.Note) bool {
	return note != nil && subjectID != "" && note.UploaderID == subjectID
}

func CanApprove(isAdmin bool) bool {
	return isAdmin
}

func CanDownload(isAdmin bool, note *domain.Note) bool {
	if note == nil {
		return false
	}
	return isAdmin || note.Approved
}

// VisibilityFilter is the repository filter behind CanViewAll. List and Search
// both start from it so the two paths cannot drift apart.
func VisibilityFilter(isAdmin bool) domain.NoteFilter {
	if CanViewAll(isAdmin) {
		return domain.NoteFilter{}
	}
	approved := true
	return domain.NoteFilter{Approved: &approved}
}

// OwnerFilter selects every note uploaded by subjectID regardless of approval.
func OwnerFilter(subjectID string) domain.NoteFilter {
	return domain.NoteFilter{UploaderID: &subjectID}
}
