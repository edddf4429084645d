package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/market-feed/internal/model"
)

// CurrentVersion is the folder document schema written by KVStore.
const CurrentVersion = 2

// document is the versioned per-kind value.
type document struct {
	Version int                  `json:"version"`
	Folders []model.FolderRecord `json:"folders"`
}

// KVStore stores one versioned document per folder kind.
type KVStore struct {
	kv     KV
	prefix string
}

// NewKVStore creates a KV-backed folder store. Keys are namespaced by prefix.
func NewKVStore(kv KV, prefix string) *KVStore {
	return &KVStore{kv: kv, prefix: prefix}
}

func (s *KVStore) key(kind model.FolderKind) string {
	return fmt.Sprintf("%sfolders:%s", s.prefix, kind)
}

// LoadFolders reads the document for kind, migrating a legacy value first
// if no versioned document exists yet.
func (s *KVStore) LoadFolders(ctx context.Context, kind model.FolderKind) ([]model.FolderRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := s.migrateKind(ctx, kind); err != nil {
		return nil, err
	}
	raw, err := s.kv.Get(ctx, s.key(kind))
	if errors.Is(err, ErrNotFound) {
		return []model.FolderRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s folders: %w", kind, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s folders: %w", kind, err)
	}
	if doc.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	return structural(kind, doc.Folders), nil
}

// SaveFolders writes the versioned document for kind.
func (s *KVStore) SaveFolders(ctx context.Context, kind model.FolderKind, records []model.FolderRecord) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	data, err := json.Marshal(document{Version: CurrentVersion, Folders: structural(kind, records)})
	if err != nil {
		return fmt.Errorf("encode %s folders: %w", kind, err)
	}
	if err := s.kv.Set(ctx, s.key(kind), data); err != nil {
		return fmt.Errorf("save %s folders: %w", kind, err)
	}
	return nil
}

// Migrate upgrades every legacy value in place. LoadFolders does the same
// lazily per kind; calling Migrate at startup front-loads it.
func (s *KVStore) Migrate(ctx context.Context) error {
	for _, kind := range []model.FolderKind{model.KindCount, model.KindDuration} {
		if err := s.migrateKind(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// migration converts a legacy value into records.
type migration struct {
	name      string
	legacyKey func(kind model.FolderKind) string
	convert   func(kind model.FolderKind, raw []byte) ([]model.FolderRecord, error)
}

// kvMigrations run in order; the first legacy key found wins. New schema
// changes append a step here.
var kvMigrations = []migration{
	{name: "v1 coin snapshots", legacyKey: legacyV1Key, convert: convertV1},
}

func (s *KVStore) migrateKind(ctx context.Context, kind model.FolderKind) error {
	if _, err := s.kv.Get(ctx, s.key(kind)); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("check %s folders: %w", kind, err)
	}

	for _, m := range kvMigrations {
		old := s.prefix + m.legacyKey(kind)
		raw, err := s.kv.Get(ctx, old)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read legacy %s: %w", old, err)
		}
		records, err := m.convert(kind, raw)
		if err != nil {
			return fmt.Errorf("migrate %s (%s): %w", old, m.name, err)
		}
		if err := s.SaveFolders(ctx, kind, records); err != nil {
			return err
		}
		if err := s.kv.Delete(ctx, old); err != nil {
			return fmt.Errorf("delete legacy %s: %w", old, err)
		}
		slog.Info("migrated legacy folders", "kind", kind, "key", old, "migration", m.name, "folders", len(records))
		return nil
	}
	return nil
}

func legacyV1Key(kind model.FolderKind) string {
	if kind == model.KindDuration {
		return "duration-momentum-folders"
	}
	return "momentum-folders"
}

// legacyFolder is the unversioned shape: folders holding full coin objects
// with their price history. Count folders carry windowSize and
// updateInterval (ms); duration folders carry timeWindow (s). createdAt is
// unix ms.
type legacyFolder struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Coins          []legacyCoin `json:"coins"`
	WindowSize     int          `json:"windowSize"`
	UpdateInterval int64        `json:"updateInterval"`
	TimeWindow     int64        `json:"timeWindow"`
	CreatedAt      int64        `json:"createdAt"`
	IsActive       bool         `json:"isActive"`
}

// legacyCoin keeps only what migration reads; prices and derived fields
// are dropped.
type legacyCoin struct {
	Symbol string `json:"symbol"`
}

func convertV1(kind model.FolderKind, raw []byte) ([]model.FolderRecord, error) {
	var old []legacyFolder
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, err
	}
	out := make([]model.FolderRecord, 0, len(old))
	for _, f := range old {
		if f.ID == "" {
			continue
		}
		rec := model.FolderRecord{
			ID:        f.ID,
			Kind:      kind,
			Name:      f.Name,
			Symbols:   make([]string, 0, len(f.Coins)),
			CreatedAt: time.UnixMilli(f.CreatedAt).UTC(),
			IsActive:  f.IsActive,
		}
		for _, c := range f.Coins {
			if c.Symbol != "" {
				rec.Symbols = append(rec.Symbols, c.Symbol)
			}
		}
		if kind == model.KindDuration {
			rec.Window.TimeWindow = time.Duration(f.TimeWindow) * time.Second
		} else {
			rec.Window.WindowSize = f.WindowSize
			rec.Window.Interval = time.Duration(f.UpdateInterval) * time.Millisecond
		}
		out = append(out, rec)
	}
	return out, nil
}
