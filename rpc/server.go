package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"collectionvault/crypto"
	"collectionvault/native/rewards"
	"collectionvault/observability/metrics"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes the reward controller over HTTP. Read endpoints are open;
// admin endpoints require the configured bearer token and act with the admin
// identity.
type Server struct {
	engine   *rewards.Engine
	registry *rewards.Registry
	admin    crypto.Address
	token    string
	log      *slog.Logger
	metrics  *metrics.RewardsMetrics
}

// NewServer constructs the HTTP surface over the engine and registry.
func NewServer(engine *rewards.Engine, registry *rewards.Registry, admin crypto.Address, token string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:   engine,
		registry: registry,
		admin:    admin,
		token:    token,
		log:      log,
		metrics:  metrics.Rewards(),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/rewards/updates", s.handleApplyBatch)
		r.Post("/rewards/claim", s.handleClaim)
		r.Get("/rewards/index", s.handleIndex)
		r.Get("/rewards/position/{account}/{collection}", s.handlePosition)
		r.Get("/rewards/pending/{account}/{collection}", s.handlePending)
		r.Get("/rewards/active/{account}", s.handleActive)
		r.Get("/collections", s.handleListCollections)
		r.Get("/collections/{collection}", s.handleGetCollection)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/admin/collections", s.handleRegisterCollection)
			r.Put("/admin/collections/{collection}", s.handleUpdateCollection)
			r.Delete("/admin/collections/{collection}", s.handleRemoveCollection)
			r.Post("/admin/updater", s.handleRotateUpdater)
			r.Post("/admin/advance", s.handleAdvance)
		})
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if s.token == "" || header != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type updateRequest struct {
	Collection   string `json:"collection"`
	Height       uint64 `json:"height"`
	NFTDelta     int64  `json:"nftDelta"`
	DepositDelta string `json:"depositDelta"`
}

type batchRequest struct {
	Updater   string          `json:"updater"`
	Account   string          `json:"account"`
	Updates   []updateRequest `json:"updates"`
	Signature string          `json:"signature"`
}

func (s *Server) handleApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batch, err := req.toBatch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.ApplyBatch(batch); err != nil {
		s.metrics.ObserveBatchRejected(rejectReason(err))
		s.log.Warn("batch rejected",
			slog.String("account", req.Account),
			slog.String("updater", req.Updater),
			slog.String("error", err.Error()))
		writeError(w, statusFor(err), err)
		return
	}
	s.metrics.ObserveBatchProcessed(req.Updater, len(batch.Updates))
	s.log.Info("batch applied",
		slog.String("account", req.Account),
		slog.String("updater", req.Updater),
		slog.Int("updates", len(batch.Updates)))
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(batch.Updates)})
}

func (r *batchRequest) toBatch() (*rewards.UpdateBatch, error) {
	updater, err := crypto.DecodeAddress(strings.TrimSpace(r.Updater))
	if err != nil {
		return nil, fmt.Errorf("invalid updater: %w", err)
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(r.Account))
	if err != nil {
		return nil, fmt.Errorf("invalid account: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(r.Signature), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	updates := make([]rewards.BalanceUpdate, len(r.Updates))
	for i, u := range r.Updates {
		collection, err := crypto.DecodeAddress(strings.TrimSpace(u.Collection))
		if err != nil {
			return nil, fmt.Errorf("invalid collection at %d: %w", i, err)
		}
		deposit := big.NewInt(0)
		if trimmed := strings.TrimSpace(u.DepositDelta); trimmed != "" {
			parsed, ok := new(big.Int).SetString(trimmed, 10)
			if !ok {
				return nil, fmt.Errorf("invalid deposit delta at %d: %q", i, u.DepositDelta)
			}
			deposit = parsed
		}
		updates[i] = rewards.BalanceUpdate{
			Collection:   collection,
			UpdateHeight: u.Height,
			NFTDelta:     u.NFTDelta,
			DepositDelta: deposit,
		}
	}
	return &rewards.UpdateBatch{
		Updater:   updater,
		Account:   account,
		Updates:   updates,
		Signature: sig,
	}, nil
}

type claimRequest struct {
	Account     string   `json:"account"`
	Collections []string `json:"collections,omitempty"`
	Height      uint64   `json:"height"`
}

type claimResponse struct {
	Account     string   `json:"account"`
	Collections []string `json:"collections"`
	TotalDue    string   `json:"totalDue"`
	Paid        string   `json:"paid"`
	Deficit     string   `json:"deficit"`
	Height      uint64   `json:"height"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}
	collections := make([]crypto.Address, 0, len(req.Collections))
	for i, raw := range req.Collections {
		collection, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid collection at %d: %w", i, err))
			return
		}
		collections = append(collections, collection)
	}

	outcome, err := s.engine.Claim(r.Context(), account, collections, req.Height)
	if err != nil {
		s.log.Warn("claim rejected",
			slog.String("account", req.Account),
			slog.String("error", err.Error()))
		writeError(w, statusFor(err), err)
		return
	}

	s.metrics.ObserveClaim(gaugeValue(outcome.Paid), outcome.Deficit.Sign() > 0, gaugeValue(outcome.Deficit))
	s.log.Info("claim settled",
		slog.String("account", req.Account),
		slog.String("paid", outcome.Paid.String()),
		slog.String("deficit", outcome.Deficit.String()))

	claimed := make([]string, len(outcome.Collections))
	for i, collection := range outcome.Collections {
		claimed[i] = collection.String()
	}
	writeJSON(w, http.StatusOK, claimResponse{
		Account:     outcome.Account.String(),
		Collections: claimed,
		TotalDue:    outcome.TotalDue.String(),
		Paid:        outcome.Paid.String(),
		Deficit:     outcome.Deficit.String(),
		Height:      outcome.Height,
	})
}

type indexResponse struct {
	Index            string `json:"index"`
	LastUpdateHeight uint64 `json:"lastUpdateHeight"`
	TotalDeposits    string `json:"totalDeposits"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// AdvanceTo at height zero never moves the accumulator, so this is a
	// pure read of the current state.
	global, err := s.engine.AdvanceTo(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.SetGlobalIndex(gaugeValue(global.Index))
	s.metrics.SetTotalDeposits(gaugeValue(global.TotalDeposits))
	writeJSON(w, http.StatusOK, indexResponse{
		Index:            global.Index.String(),
		LastUpdateHeight: global.LastUpdateHeight,
		TotalDeposits:    global.TotalDeposits.String(),
	})
}

type snapshotResponse struct {
	NFTBalance     uint64 `json:"nftBalance"`
	DepositBalance string `json:"depositBalance"`
	Index          string `json:"index"`
	Height         uint64 `json:"height"`
}

type positionResponse struct {
	Account          string             `json:"account"`
	Collection       string             `json:"collection"`
	NFTBalance       uint64             `json:"nftBalance"`
	DepositBalance   string             `json:"depositBalance"`
	LastSyncedIndex  string             `json:"lastSyncedIndex"`
	LastUpdateHeight uint64             `json:"lastUpdateHeight"`
	AccruedReward    string             `json:"accruedReward"`
	Snapshots        []snapshotResponse `json:"snapshots"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	account, collection, err := pairParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, snaps, err := s.engine.Position(account, collection)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, rewards.ErrNoPosition)
		return
	}
	history := make([]snapshotResponse, len(snaps))
	for i, snap := range snaps {
		history[i] = snapshotResponse{
			NFTBalance:     snap.NFTBalance,
			DepositBalance: snap.DepositBalance.String(),
			Index:          snap.Index.String(),
			Height:         snap.Height,
		}
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Account:          record.Account.String(),
		Collection:       record.Collection.String(),
		NFTBalance:       record.NFTBalance,
		DepositBalance:   record.DepositBalance.String(),
		LastSyncedIndex:  record.LastSyncedIndex.String(),
		LastUpdateHeight: record.LastUpdateHeight,
		AccruedReward:    record.AccruedReward.String(),
		Snapshots:        history,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	account, collection, err := pairParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var height uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("height")); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &height); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid height: %q", raw))
			return
		}
	}
	pending, err := s.engine.PendingReward(account, collection, height)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pending": pending.String()})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.DecodeAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}
	active, err := s.engine.ActiveCollections(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]string, len(active))
	for i, collection := range active {
		out[i] = collection.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": out})
}

type collectionRequest struct {
	Collection  string `json:"collection"`
	Beta        string `json:"beta"`
	RewardBasis string `json:"rewardBasis,omitempty"`
}

type collectionResponse struct {
	Collection  string `json:"collection"`
	Beta        string `json:"beta"`
	RewardBasis string `json:"rewardBasis"`
	Whitelisted bool   `json:"whitelisted"`
}

func (r *collectionRequest) toConfig() (*rewards.CollectionConfig, error) {
	collection, err := crypto.DecodeAddress(strings.TrimSpace(r.Collection))
	if err != nil {
		return nil, fmt.Errorf("invalid collection: %w", err)
	}
	beta := big.NewInt(0)
	if trimmed := strings.TrimSpace(r.Beta); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return nil, fmt.Errorf("invalid beta: %q", r.Beta)
		}
		beta = parsed
	}
	return &rewards.CollectionConfig{
		Collection:  collection,
		BetaFP:      beta,
		RewardBasis: rewards.RewardBasis(strings.TrimSpace(r.RewardBasis)),
	}, nil
}

func (s *Server) handleRegisterCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.RegisterCollection(s.admin, cfg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("collection registered", slog.String("collection", req.Collection))
	writeJSON(w, http.StatusCreated, map[string]string{"collection": cfg.Collection.String()})
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Collection = chi.URLParam(r, "collection")
	cfg, err := req.toConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.UpdateCollection(s.admin, cfg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("collection updated", slog.String("collection", req.Collection))
	writeJSON(w, http.StatusOK, map[string]string{"collection": cfg.Collection.String()})
}

func (s *Server) handleRemoveCollection(w http.ResponseWriter, r *http.Request) {
	collection, err := crypto.DecodeAddress(chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid collection: %w", err))
		return
	}
	if err := s.registry.RemoveCollection(s.admin, collection); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("collection removed", slog.String("collection", collection.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.registry.ListCollections()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]collectionResponse, 0, len(addresses))
	for _, addr := range addresses {
		cfg, ok := s.registry.GetCollection(addr)
		if !ok {
			continue
		}
		out = append(out, collectionResponse{
			Collection:  cfg.Collection.String(),
			Beta:        cfg.BetaFP.String(),
			RewardBasis: string(cfg.RewardBasis),
			Whitelisted: cfg.Whitelisted,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": out})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	collection, err := crypto.DecodeAddress(chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid collection: %w", err))
		return
	}
	cfg, ok := s.registry.GetCollection(collection)
	if !ok {
		writeError(w, http.StatusNotFound, rewards.ErrCollectionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, collectionResponse{
		Collection:  cfg.Collection.String(),
		Beta:        cfg.BetaFP.String(),
		RewardBasis: string(cfg.RewardBasis),
		Whitelisted: cfg.Whitelisted,
	})
}

func (s *Server) handleRotateUpdater(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updater string `json:"updater"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	next, err := crypto.DecodeAddress(strings.TrimSpace(req.Updater))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid updater: %w", err))
		return
	}
	if err := s.engine.RotateUpdater(s.admin, next); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("updater rotated", slog.String("updater", req.Updater))
	writeJSON(w, http.StatusOK, map[string]string{"updater": next.String()})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Height uint64 `json:"height"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	global, err := s.engine.AdvanceTo(req.Height)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.metrics.SetGlobalIndex(gaugeValue(global.Index))
	writeJSON(w, http.StatusOK, indexResponse{
		Index:            global.Index.String(),
		LastUpdateHeight: global.LastUpdateHeight,
		TotalDeposits:    global.TotalDeposits.String(),
	})
}

func pairParams(r *http.Request) (crypto.Address, crypto.Address, error) {
	account, err := crypto.DecodeAddress(chi.URLParam(r, "account"))
	if err != nil {
		return crypto.Address{}, crypto.Address{}, fmt.Errorf("invalid account: %w", err)
	}
	collection, err := crypto.DecodeAddress(chi.URLParam(r, "collection"))
	if err != nil {
		return crypto.Address{}, crypto.Address{}, fmt.Errorf("invalid collection: %w", err)
	}
	return account, collection, nil
}

func decode(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// gaugeValue approximates a wei amount for prometheus gauges. Values beyond
// 2^53 lose precision; exact amounts live in the JSON responses and events,
// the gauges are trend indicators only.
func gaugeValue(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rewards.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, rewards.ErrAdminOnly):
		return http.StatusForbidden
	case errors.Is(err, rewards.ErrNoPosition), errors.Is(err, rewards.ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, rewards.ErrCollectionExists),
		errors.Is(err, rewards.ErrClaimInProgress),
		errors.Is(err, rewards.ErrSnapshotLimit),
		errors.Is(err, rewards.ErrStaleUpdate),
		errors.Is(err, rewards.ErrNothingToClaim):
		return http.StatusConflict
	case errors.Is(err, rewards.ErrEmptyBatch),
		errors.Is(err, rewards.ErrNotWhitelisted),
		errors.Is(err, rewards.ErrBalanceUnderflow),
		errors.Is(err, rewards.ErrInvalidCollection):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, rewards.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, rewards.ErrEmptyBatch):
		return "empty"
	case errors.Is(err, rewards.ErrNotWhitelisted):
		return "not_whitelisted"
	case errors.Is(err, rewards.ErrStaleUpdate):
		return "stale_height"
	case errors.Is(err, rewards.ErrBalanceUnderflow):
		return "underflow"
	case errors.Is(err, rewards.ErrSnapshotLimit):
		return "snapshot_limit"
	case errors.Is(err, rewards.ErrClaimInProgress):
		return "claim_in_progress"
	default:
		return "internal"
	}
}
