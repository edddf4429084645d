// Package tracker runs per-folder momentum analytics over live prices.
//
// Two variants share the folder model. CountTracker samples prices on a
// per-folder interval into a fixed-size window; DurationTracker reacts to
// each price-map notification and keeps samples younger than a time window.
// Both persist structure only: reloading a folder yields empty price
// history and zeroed momentum until fresh samples arrive.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/momentum"
)

var (
	// ErrFolderLimit is returned when creating a folder would exceed the
	// configured maximum number of folders.
	ErrFolderLimit = errors.New("tracker: folder limit reached")

	// ErrSymbolLimit is returned when adding a symbol would exceed the
	// configured maximum number of symbols in one folder.
	ErrSymbolLimit = errors.New("tracker: symbol limit reached")

	ErrFolderNotFound = errors.New("tracker: folder not found")
	ErrSymbolNotFound = errors.New("tracker: symbol not in folder")
	ErrInvalidWindow  = errors.New("tracker: invalid window config")
	ErrInvalidName    = errors.New("tracker: folder name required")
)

// Limits caps folder and per-folder symbol counts. A zero field means no
// limit.
type Limits struct {
	MaxFolders          int
	MaxSymbolsPerFolder int
}

// DefaultLimits returns the default caps.
func DefaultLimits() Limits {
	return Limits{MaxFolders: 20, MaxSymbolsPerFolder: 50}
}

// CheckFolders validates that one more folder fits next to existing ones.
// It runs before any mutation.
func (l Limits) CheckFolders(existing int) error {
	if l.MaxFolders > 0 && existing+1 > l.MaxFolders {
		metrics.FolderLimitRejections.WithLabelValues("folders").Inc()
		return fmt.Errorf("%w: max %d folders", ErrFolderLimit, l.MaxFolders)
	}
	return nil
}

// CheckSymbols validates that one more symbol fits in a folder holding
// existing symbols.
func (l Limits) CheckSymbols(existing int) error {
	if l.MaxSymbolsPerFolder > 0 && existing+1 > l.MaxSymbolsPerFolder {
		metrics.FolderLimitRejections.WithLabelValues("symbols").Inc()
		return fmt.Errorf("%w: max %d symbols per folder", ErrSymbolLimit, l.MaxSymbolsPerFolder)
	}
	return nil
}

// Window defaults.
const (
	DefaultWindowSize = 20
	DefaultInterval   = 5 * time.Second
	DefaultTimeWindow = 5 * time.Minute

	MinInterval = 100 * time.Millisecond
)

// normalizeCountWindow fills defaults and validates a fixed-count window.
func normalizeCountWindow(w model.WindowConfig) (model.WindowConfig, error) {
	if w.WindowSize == 0 {
		w.WindowSize = DefaultWindowSize
	}
	if w.Interval == 0 {
		w.Interval = DefaultInterval
	}
	if w.WindowSize < momentum.MinSamples {
		return w, fmt.Errorf("%w: window size %d below %d", ErrInvalidWindow, w.WindowSize, momentum.MinSamples)
	}
	if w.Interval < MinInterval {
		return w, fmt.Errorf("%w: interval %s below %s", ErrInvalidWindow, w.Interval, MinInterval)
	}
	w.TimeWindow = 0
	return w, nil
}

// normalizeDurationWindow fills defaults and validates a fixed-duration window.
func normalizeDurationWindow(w model.WindowConfig) (model.WindowConfig, error) {
	if w.TimeWindow == 0 {
		w.TimeWindow = DefaultTimeWindow
	}
	if w.TimeWindow < time.Second {
		return w, fmt.Errorf("%w: time window %s below 1s", ErrInvalidWindow, w.TimeWindow)
	}
	w.WindowSize = 0
	w.Interval = 0
	return w, nil
}
