package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apimiddleware "github.com/0xmhha/substrate-indexer/pkg/api/middleware"
	"github.com/0xmhha/substrate-indexer/pkg/chainstate"
	"github.com/0xmhha/substrate-indexer/pkg/metrics"
	"github.com/0xmhha/substrate-indexer/pkg/storage"
	"github.com/0xmhha/substrate-indexer/pkg/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"dbConnected"`
	// SyncLag is -1 until the first state row is written
	SyncLag    int64  `json:"syncLag"`
	ChainTip   uint64 `json:"chainTip"`
	IndexedTip uint64 `json:"indexedTip"`
	Timestamp  int64  `json:"timestamp"`
	Error      string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /api/indexer-status
type StatusResponse struct {
	metrics.Snapshot
	ChainID        string   `json:"chainId"`
	Extensions     []string `json:"extensions"`
	PluginFailures uint64   `json:"pluginFailures"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMilli()

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    StatusUnhealthy,
			SyncLag:   -1,
			Timestamp: now,
			Error:     err.Error(),
		})
		return
	}

	resp := HealthResponse{
		Status:      StatusDegraded,
		DBConnected: true,
		SyncLag:     -1,
		Timestamp:   now,
	}

	state, err := s.deps.Store.GetIndexerState(r.Context(), s.deps.ChainID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.logger.Warn("failed to read indexer state", zap.Error(err))
		resp.Status = StatusUnhealthy
		resp.DBConnected = false
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	default:
		if state.State == types.SyncStateLive {
			resp.Status = StatusHealthy
		}
		resp.ChainTip = state.ChainTip
		resp.IndexedTip = state.LastFinalizedBlock
		resp.SyncLag = int64(state.ChainTip) - int64(state.LastFinalizedBlock)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Snapshot:   s.deps.Metrics.Snapshot(),
		ChainID:    s.deps.ChainID,
		Extensions: []string{},
	}
	if s.deps.Extensions != nil {
		resp.Extensions = s.deps.Extensions.Extensions()
		resp.PluginFailures = s.deps.Extensions.Failures()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	if s.deps.Extensions != nil {
		ids = s.deps.Extensions.Extensions()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"extensions": ids})
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	info, err := s.deps.Balances.GetLiveBalance(r.Context(), address)
	if errors.Is(err, chainstate.ErrInvalidAccountID) {
		apimiddleware.WriteError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if err != nil {
		s.logger.Error("failed to read live balance", zap.String("address", address), zap.Error(err))
		apimiddleware.WriteError(w, http.StatusBadGateway, "failed to read account state")
		return
	}
	if info == nil {
		apimiddleware.WriteError(w, http.StatusNotFound, "account not found")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
