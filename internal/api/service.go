// Package api provides the HTTP handlers and WebSocket hub that expose the
// market feed and the momentum trackers to downstream UI clients. Handlers
// translate requests into calls on the aggregator and trackers and hold no
// business logic of their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/market-feed/internal/feed"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/symbol"
	"github.com/atmx/market-feed/internal/tracker"
)

// Market is the aggregator surface the handlers read.
type Market interface {
	CurrentPrice(sym string) float64
	Prices() map[string]float64
	Coins() []model.Coin
	Watch(ctx context.Context, sym string) (release func(), err error)
	OrderBook(sym string) (model.OrderBook, error)
	RecentTrades(sym string) ([]model.Trade, error)
	Klines(sym string) ([]model.Kline, error)
	Status() []feed.FeedState
}

// Tracker is the folder surface shared by both momentum trackers.
type Tracker interface {
	Kind() model.FolderKind
	CreateFolder(name string, w model.WindowConfig) (model.FolderRecord, error)
	DeleteFolder(id string) error
	AddSymbol(id, sym string) (added bool, err error)
	RemoveSymbol(id, sym string) error
	Start(id string, prices map[string]float64) error
	Stop(id string) error
	Results(id string) ([]model.SymbolResult, error)
	Records() []model.FolderRecord
}

// Service handles market-data and folder requests.
type Service struct {
	market   Market
	trackers map[model.FolderKind]Tracker

	mu      sync.Mutex
	watches map[string][]func()
}

// NewService creates a new service over market and one tracker per kind.
func NewService(market Market, trackers ...Tracker) *Service {
	s := &Service{
		market:   market,
		trackers: make(map[model.FolderKind]Tracker, len(trackers)),
		watches:  make(map[string][]func()),
	}
	for _, t := range trackers {
		s.trackers[t.Kind()] = t
	}
	return s
}

// Mount registers every handler on r. main mounts it under /api/v1.
func (s *Service) Mount(r chi.Router) {
	r.Get("/status", s.GetStatus)
	r.Get("/prices", s.GetPrices)
	r.Get("/prices/{symbol}", s.GetPrice)
	r.Get("/coins", s.GetCoins)

	r.Route("/symbols/{symbol}", func(r chi.Router) {
		r.Post("/watch", s.Watch)
		r.Delete("/watch", s.Unwatch)
		r.Get("/orderbook", s.GetOrderBook)
		r.Get("/trades", s.GetTrades)
		r.Get("/klines", s.GetKlines)
	})

	r.Route("/folders/{kind}", func(r chi.Router) {
		r.Get("/", s.ListFolders)
		r.Post("/", s.CreateFolder)
		r.Route("/{folderID}", func(r chi.Router) {
			r.Get("/", s.GetFolder)
			r.Delete("/", s.DeleteFolder)
			r.Post("/symbols", s.AddSymbol)
			r.Delete("/symbols/{symbol}", s.RemoveSymbol)
			r.Post("/start", s.StartFolder)
			r.Post("/stop", s.StopFolder)
			r.Get("/results", s.GetResults)
		})
	})
}

// Close releases every watch taken through the API.
func (s *Service) Close() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string][]func())
	s.mu.Unlock()
	for _, rs := range watches {
		for _, release := range rs {
			release()
		}
	}
}

// --- Request/Response types ---

// CreateFolderRequest is the JSON body for folder creation. Durations use
// Go syntax ("5s", "15m").
type CreateFolderRequest struct {
	Name       string `json:"name"`
	WindowSize int    `json:"window_size,omitempty"`
	Interval   string `json:"interval,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
}

// AddSymbolRequest is the JSON body for adding a symbol to a folder.
type AddSymbolRequest struct {
	Symbol string `json:"symbol"`
}

// FolderResponse is a folder's structure with its latest results.
type FolderResponse struct {
	model.FolderRecord
	Results []model.SymbolResult `json:"results"`
}

// --- Market data handlers ---

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"feeds": s.market.Status()})
}

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"prices": s.market.Prices()})
}

// GetPrice handles GET /api/v1/prices/{symbol}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(chi.URLParam(r, "symbol"))
	price := s.market.CurrentPrice(sym)
	if price == 0 {
		writeError(w, "no price for "+sym, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "price": price})
}

// GetCoins handles GET /api/v1/coins
func (s *Service) GetCoins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.market.Coins())
}

// Watch handles POST /api/v1/symbols/{symbol}/watch
func (s *Service) Watch(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(chi.URLParam(r, "symbol"))
	release, err := s.market.Watch(r.Context(), sym)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.mu.Lock()
	s.watches[sym] = append(s.watches[sym], release)
	n := len(s.watches[sym])
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"symbol": sym, "watchers": n})
}

// Unwatch handles DELETE /api/v1/symbols/{symbol}/watch
func (s *Service) Unwatch(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(chi.URLParam(r, "symbol"))
	s.mu.Lock()
	rs := s.watches[sym]
	if len(rs) == 0 {
		s.mu.Unlock()
		writeError(w, sym+" is not watched", http.StatusNotFound)
		return
	}
	release := rs[len(rs)-1]
	if len(rs) == 1 {
		delete(s.watches, sym)
	} else {
		s.watches[sym] = rs[:len(rs)-1]
	}
	s.mu.Unlock()

	release()
	w.WriteHeader(http.StatusNoContent)
}

// GetOrderBook handles GET /api/v1/symbols/{symbol}/orderbook
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.market.OrderBook(chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetTrades handles GET /api/v1/symbols/{symbol}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.market.RecentTrades(chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetKlines handles GET /api/v1/symbols/{symbol}/klines
func (s *Service) GetKlines(w http.ResponseWriter, r *http.Request) {
	klines, err := s.market.Klines(chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, klines)
}

// --- Folder handlers ---

func (s *Service) tracker(w http.ResponseWriter, r *http.Request) (Tracker, bool) {
	kind := model.FolderKind(chi.URLParam(r, "kind"))
	t, ok := s.trackers[kind]
	if !ok {
		writeError(w, fmt.Sprintf("unknown folder kind %q", kind), http.StatusNotFound)
	}
	return t, ok
}

// ListFolders handles GET /api/v1/folders/{kind}
func (s *Service) ListFolders(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t.Records())
}

// CreateFolder handles POST /api/v1/folders/{kind}
func (s *Service) CreateFolder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	var req CreateFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	win := model.WindowConfig{WindowSize: req.WindowSize}
	var err error
	if win.Interval, err = parseDuration(req.Interval); err != nil {
		writeError(w, "invalid interval: "+err.Error(), http.StatusBadRequest)
		return
	}
	if win.TimeWindow, err = parseDuration(req.TimeWindow); err != nil {
		writeError(w, "invalid time_window: "+err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := t.CreateFolder(req.Name, win)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetFolder handles GET /api/v1/folders/{kind}/{folderID}
func (s *Service) GetFolder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "folderID")
	for _, rec := range t.Records() {
		if rec.ID != id {
			continue
		}
		results, err := t.Results(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, FolderResponse{FolderRecord: rec, Results: results})
		return
	}
	writeErr(w, tracker.ErrFolderNotFound)
}

// DeleteFolder handles DELETE /api/v1/folders/{kind}/{folderID}
func (s *Service) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	if err := t.DeleteFolder(chi.URLParam(r, "folderID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddSymbol handles POST /api/v1/folders/{kind}/{folderID}/symbols
func (s *Service) AddSymbol(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	var req AddSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	added, err := t.AddSymbol(chi.URLParam(r, "folderID"), req.Symbol)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"symbol": symbol.Normalize(req.Symbol), "added": added})
}

// RemoveSymbol handles DELETE /api/v1/folders/{kind}/{folderID}/symbols/{symbol}
func (s *Service) RemoveSymbol(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	if err := t.RemoveSymbol(chi.URLParam(r, "folderID"), chi.URLParam(r, "symbol")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartFolder handles POST /api/v1/folders/{kind}/{folderID}/start. The
// folder samples the current price map once before its first tick.
func (s *Service) StartFolder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	if err := t.Start(chi.URLParam(r, "folderID"), s.market.Prices()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopFolder handles POST /api/v1/folders/{kind}/{folderID}/stop
func (s *Service) StopFolder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	if err := t.Stop(chi.URLParam(r, "folderID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetResults handles GET /api/v1/folders/{kind}/{folderID}/results
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracker(w, r)
	if !ok {
		return
	}
	results, err := t.Results(chi.URLParam(r, "folderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrFolderNotFound),
		errors.Is(err, tracker.ErrSymbolNotFound),
		errors.Is(err, feed.ErrNotWatched):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrFolderLimit),
		errors.Is(err, tracker.ErrSymbolLimit),
		errors.Is(err, tracker.ErrClosed),
		errors.Is(err, feed.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrInvalidWindow),
		errors.Is(err, tracker.ErrInvalidName),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrUnknownQuote):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusBadGateway {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
