package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/market-feed/internal/model"
)

func TestCheckFolders_WithinLimit(t *testing.T) {
	l := Limits{MaxFolders: 2}
	if err := l.CheckFolders(1); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckFolders_Exceeded(t *testing.T) {
	l := Limits{MaxFolders: 2}
	err := l.CheckFolders(2)
	if !errors.Is(err, ErrFolderLimit) {
		t.Errorf("expected ErrFolderLimit, got %v", err)
	}
}

func TestCheckSymbols_Exceeded(t *testing.T) {
	l := Limits{MaxSymbolsPerFolder: 3}
	if err := l.CheckSymbols(2); err != nil {
		t.Errorf("expected no error at 2 of 3, got %v", err)
	}
	if err := l.CheckSymbols(3); !errors.Is(err, ErrSymbolLimit) {
		t.Errorf("expected ErrSymbolLimit, got %v", err)
	}
}

func TestLimits_ZeroMeansUnlimited(t *testing.T) {
	var l Limits
	if err := l.CheckFolders(10000); err != nil {
		t.Errorf("expected no folder limit, got %v", err)
	}
	if err := l.CheckSymbols(10000); err != nil {
		t.Errorf("expected no symbol limit, got %v", err)
	}
}

func TestNormalizeCountWindow(t *testing.T) {
	w, err := normalizeCountWindow(model.WindowConfig{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if w.WindowSize != DefaultWindowSize || w.Interval != DefaultInterval {
		t.Errorf("expected defaults, got %+v", w)
	}

	if _, err := normalizeCountWindow(model.WindowConfig{WindowSize: 2}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("window size 2: expected ErrInvalidWindow, got %v", err)
	}
	if _, err := normalizeCountWindow(model.WindowConfig{WindowSize: 3, Interval: time.Millisecond}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("1ms interval: expected ErrInvalidWindow, got %v", err)
	}
}

func TestNormalizeDurationWindow(t *testing.T) {
	w, err := normalizeDurationWindow(model.WindowConfig{WindowSize: 5, Interval: time.Second})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if w.TimeWindow != DefaultTimeWindow || w.WindowSize != 0 || w.Interval != 0 {
		t.Errorf("expected duration-only window, got %+v", w)
	}
	if _, err := normalizeDurationWindow(model.WindowConfig{TimeWindow: -time.Second}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("negative window: expected ErrInvalidWindow, got %v", err)
	}
}
