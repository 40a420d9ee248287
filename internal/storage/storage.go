// Package storage persists uploaded note files and reads them back by reference.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxNameLength = 80

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidRef     = errors.New("invalid object reference")
)

type ObjectMeta struct {
	OriginalName string
	UploaderID   string
	ContentType  string
}

// Object describes bytes that were fully written to the store.
type Object struct {
	Ref      string
	Size     int64
	Checksum string
}

type FileStore interface {
	Save(ctx context.Context, r io.Reader, meta ObjectMeta) (*Object, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// GenerateRef builds a unique, filesystem safe reference of the form
// <unix-millis>-<clean-name>-<8 hex>.<ext>.
func GenerateRef(originalName string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	ext := filepath.Ext(base)
	nameOnly := strings.TrimSuffix(base, ext)

	cleanName := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, nameOnly)
	if len(cleanName) > maxNameLength {
		cleanName = cleanName[:maxNameLength]
	}
	if cleanName == "" || cleanName == "." {
		cleanName = "note"
	}

	cleanExt := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, ext)
	if len(cleanExt) > 10 || cleanExt == "." {
		cleanExt = ""
	}

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%d-%s-%s%s", now.UnixMilli(), cleanName, suffix, cleanExt)
}

// ValidateRef rejects references that could escape the store's namespace.
func ValidateRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." ||
		strings.ContainsAny(ref, "/\\") || strings.Contains(ref, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
