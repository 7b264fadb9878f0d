// Package server exposes the ledger and gamification engines to the admin
// and job layer over HTTP. Business rejections surface their reason strings
// verbatim in the response payload.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loyaltyd/club"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/referral"
	"loyaltyd/rules"
	"loyaltyd/wheel"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger    *ledger.Ledger
	Rules     *rules.Engine
	Referrals *referral.Graph
	Clubs     *club.Resolver
	Wheel     *wheel.Engine
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	ledger    *ledger.Ledger
	rules     *rules.Engine
	referrals *referral.Graph
	clubs     *club.Resolver
	wheel     *wheel.Engine

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		ledger:    cfg.Ledger,
		rules:     cfg.Rules,
		referrals: cfg.Referrals,
		clubs:     cfg.Clubs,
		wheel:     cfg.Wheel,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/users/{id}/balance", s.GetBalance)
		api.Get("/users/{id}/transactions", s.GetHistory)
		api.Post("/users/{id}/award", s.AwardPoints)
		api.Post("/users/{id}/deduct", s.DeductPoints)
		api.Post("/users/{id}/adjust", s.AdjustPoints)

		api.Post("/rules/{code}/apply", s.ApplyRule)

		api.Post("/referrals", s.CreateReferral)
		api.Post("/referrals/{id}/activate", s.ActivateReferral)
		api.Post("/referrals/{id}/reject", s.RejectReferral)
		api.Get("/users/{id}/referrals", s.ReferralStats)

		api.Post("/registrations/{id}/approve", s.ApproveRegistration)
		api.Post("/registrations/{id}/reject", s.RejectRegistration)

		api.Post("/wheels/{id}/spin", s.SpinWheel)
	})
	return r
}

// Healthz reports service liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type balanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
}

// GetBalance returns the user's live balance.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// GetHistory returns the user's most recent ledger entries.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entries, err := s.ledger.History(r.Context(), userID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type pointsRequest struct {
	Points      int64      `json:"points"`
	RuleID      *uuid.UUID `json:"rule_id,omitempty"`
	Description string     `json:"description"`
	Reference   *struct {
		Kind models.ReferenceKind `json:"kind"`
		ID   uuid.UUID            `json:"id"`
	} `json:"reference,omitempty"`
}

func (req *pointsRequest) reference() *ledger.Reference {
	if req.Reference == nil {
		return nil
	}
	return &ledger.Reference{Kind: req.Reference.Kind, ID: req.Reference.ID}
}

// AwardPoints credits earn points. A cap-skipped award responds 202 with no
// transaction body.
func (s *Server) AwardPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req pointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := s.ledger.AwardPoints(r.Context(), userID, req.Points, req.RuleID, req.Description, req.reference())
	if err != nil {
		writeError(w, err)
		return
	}
	if tx == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "skipped"})
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// DeductPoints debits spend points.
func (s *Server) DeductPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req pointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := s.ledger.DeductPoints(r.Context(), userID, req.Points, req.RuleID, req.Description, req.reference())
	if err != nil {
		writeError(w, err)
		return
	}
	if tx == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "skipped"})
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type adjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// AdjustPoints posts an administrative correction, which may go negative.
func (s *Server) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := s.ledger.PostTransaction(r.Context(), ledger.PostInput{
		UserID:      userID,
		Type:        models.TransactionAdjust,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type applyRuleRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	Score       *float64  `json:"score,omitempty"`
	Duration    *float64  `json:"duration,omitempty"`
	Event       string    `json:"event,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ApplyRule applies the rule identified by action code. Rejections respond
// 422 with the reason string.
func (s *Server) ApplyRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req applyRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := s.rules.ByCode(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	evalCtx := rules.Context{Score: req.Score, Duration: req.Duration, Event: req.Event}
	if ok, reason := s.rules.CanApply(r.Context(), rule, req.UserID, evalCtx); !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"result": "rejected", "reason": reason})
		return
	}
	tx, err := s.rules.ApplyToUser(r.Context(), rule, req.UserID, evalCtx, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	if tx == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "skipped"})
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type createReferralRequest struct {
	ReferrerID uuid.UUID `json:"referrer_id"`
	ReferredID uuid.UUID `json:"referred_id"`
}

// CreateReferral records a new referral edge and its ancestor cascade.
func (s *Server) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req createReferralRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	edge, err := s.referrals.CreateReferral(r.Context(), req.ReferrerID, req.ReferredID)
	if err != nil {
		writeError(w, err)
		return
	}
	if edge == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"result": "rejected", "reason": "referral not created"})
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

// ActivateReferral activates a pending edge and pays its commission.
func (s *Server) ActivateReferral(w http.ResponseWriter, r *http.Request) {
	edgeID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.referrals.Activate(r.Context(), edgeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "activated"})
}

type reasonRequest struct {
	AdminID uuid.UUID `json:"admin_id"`
	Reason  string    `json:"reason"`
	Notes   string    `json:"notes,omitempty"`
}

// RejectReferral rejects a pending edge.
func (s *Server) RejectReferral(w http.ResponseWriter, r *http.Request) {
	edgeID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.referrals.Reject(r.Context(), edgeID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "rejected"})
}

// ReferralStats summarises the user's referral network.
func (s *Server) ReferralStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	stats, err := s.referrals.StatsFor(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ApproveRegistration approves a pending club registration.
func (s *Server) ApproveRegistration(w http.ResponseWriter, r *http.Request) {
	regID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.clubs.Approve(r.Context(), regID, req.AdminID, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "approved"})
}

// RejectRegistration rejects a pending club registration.
func (s *Server) RejectRegistration(w http.ResponseWriter, r *http.Request) {
	regID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.clubs.Reject(r.Context(), regID, req.AdminID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "rejected"})
}

type spinRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// SpinWheel runs one paid spin for the user.
func (s *Server) SpinWheel(w http.ResponseWriter, r *http.Request) {
	wheelID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req spinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	spin, err := s.wheel.SpinForUser(r.Context(), wheelID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if spin == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"result": "rejected", "reason": "no eligible prizes"})
		return
	}
	writeJSON(w, http.StatusCreated, spin)
}

func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, key)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + key})
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps engine sentinel errors to HTTP statuses; unrecognised
// failures surface as 500s.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, referral.ErrEdgeNotFound),
		errors.Is(err, club.ErrRegistrationNotFound),
		errors.Is(err, wheel.ErrWheelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, referral.ErrProfileIncomplete),
		errors.Is(err, referral.ErrNotPending),
		errors.Is(err, club.ErrNotPending),
		errors.Is(err, club.ErrReasonRequired),
		errors.Is(err, ledger.ErrInvalidType):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
