package tracker

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/pricecache"
	"github.com/atmx/market-feed/internal/symbol"
)

var errDuplicate = errors.New("tracker: symbol already in folder")

// PriceSource reads the latest known price of a symbol; 0 means unknown.
type PriceSource interface {
	Get(symbol string) float64
}

// PriceFeed delivers throttled price-map notifications.
type PriceFeed interface {
	Subscribe(l pricecache.Listener) (unsubscribe func())
}

// Hooks observe tracker activity. Both run outside tracker locks.
type Hooks struct {
	// Changed receives the full record set after a structural change.
	Changed func(kind model.FolderKind, records []model.FolderRecord)
	// Results receives a folder's sorted results after it recomputes.
	Results func(kind model.FolderKind, folderID string, results []model.SymbolResult)
}

func (h Hooks) changed(kind model.FolderKind, records []model.FolderRecord) {
	if h.Changed != nil {
		h.Changed(kind, records)
	}
}

func (h Hooks) results(kind model.FolderKind, id string, results []model.SymbolResult) {
	if h.Results != nil {
		h.Results(kind, id, results)
	}
}

func newRecord(kind model.FolderKind, name string, w model.WindowConfig, now time.Time) (model.FolderRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.FolderRecord{}, ErrInvalidName
	}
	return model.FolderRecord{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		Symbols:   []string{},
		Window:    w,
		CreatedAt: now.UTC(),
	}, nil
}

func copyRecord(r model.FolderRecord) model.FolderRecord {
	r.Symbols = append([]string{}, r.Symbols...)
	return r
}

// parseSymbol validates a symbol for folder membership.
func parseSymbol(s string) (string, error) {
	p, err := symbol.Parse(s)
	if err != nil {
		return "", err
	}
	return p.Symbol, nil
}

func normalizeMember(s string) string {
	return symbol.Normalize(s)
}

func containsSymbol(syms []string, s string) bool {
	for _, x := range syms {
		if x == s {
			return true
		}
	}
	return false
}

func removeSymbol(syms []string, s string) []string {
	out := syms[:0:0]
	for _, x := range syms {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

func duplicateNotice(kind model.FolderKind, id, sym string) {
	slog.Info("symbol already in folder", "kind", kind, "folder_id", id, "symbol", sym)
}

// sortResults orders by momentum, highest first, then by symbol.
func sortResults(rs []model.SymbolResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Momentum != rs[j].Momentum {
			return rs[i].Momentum > rs[j].Momentum
		}
		return rs[i].Symbol < rs[j].Symbol
	})
}
