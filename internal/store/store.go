// Package store persists momentum folder structure. Only FolderRecord is
// ever written: price history and derived momentum are rebuilt from live
// traffic after a reload.
//
// Implementations include a key-value store (Redis or in-memory) with
// versioned documents and a legacy migration path, PostgreSQL, and a Redis
// read-through cache in front of PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/atmx/market-feed/internal/model"
)

var (
	// ErrNotFound is returned by KV.Get for a missing key.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnsupportedVersion is returned for a document written by a newer
	// schema than this binary understands.
	ErrUnsupportedVersion = errors.New("store: unsupported document version")

	ErrInvalidKind = errors.New("store: invalid folder kind")
)

// FolderStore is the persistence interface for folder records.
type FolderStore interface {
	// LoadFolders returns the stored folders of kind in their saved order.
	LoadFolders(ctx context.Context, kind model.FolderKind) ([]model.FolderRecord, error)

	// SaveFolders replaces the stored folders of kind.
	SaveFolders(ctx context.Context, kind model.FolderKind, records []model.FolderRecord) error
}

// structural strips anything but structure from records.
func structural(kind model.FolderKind, records []model.FolderRecord) []model.FolderRecord {
	out := make([]model.FolderRecord, 0, len(records))
	for _, r := range records {
		r.Kind = kind
		r.Symbols = append([]string{}, r.Symbols...)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out
}
