package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"disputeflow/admin"
	"disputeflow/auth"
	"disputeflow/collateral"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/failure"
	"disputeflow/identity"
	"disputeflow/license"
	"disputeflow/proposal"
	"disputeflow/settlement"
	"disputeflow/treasury"
)

type disputeService interface {
	Initiate(ctx context.Context, req dispute.InitiateRequest) (dispute.Dispute, error)
	MatchStake(ctx context.Context, id int64, caller common.Address, amount *big.Int) (dispute.Dispute, error)
	SubmitProposal(ctx context.Context, id int64, contentHash common.Hash, signature []byte) (dispute.Dispute, error)
	AcceptProposal(ctx context.Context, id int64, caller common.Address) (dispute.Dispute, error)
	CounterPropose(ctx context.Context, id int64, caller common.Address, fee *big.Int) (dispute.Dispute, error)
	EnforceTimeout(ctx context.Context, id int64) (dispute.Dispute, error)
	Get(ctx context.Context, id int64) (dispute.Dispute, error)
	List(ctx context.Context, f dispute.Filter) ([]dispute.Dispute, error)
	Events(ctx context.Context, id int64) ([]dispute.Event, error)
}

type treasuryService interface {
	RequestSubsidy(ctx context.Context, req treasury.SubsidyRequest) (treasury.Grant, error)
	Score(ctx context.Context, party common.Address) (treasury.Standing, error)
	Balances(ctx context.Context) (treasury.Balances, error)
	Fund(ctx context.Context, from common.Address, amount *big.Int) (treasury.Balances, error)
}

type adminService interface {
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, caller string, paused bool) error
	ScheduleRecovery(ctx context.Context, caller string, recipient common.Address, amount *big.Int) (admin.Recovery, error)
	ExecuteRecovery(ctx context.Context, caller string, id uuid.UUID) (admin.Recovery, error)
}

type identityService interface {
	Get(ctx context.Context, party common.Address) (identity.Profile, error)
	SetVerified(ctx context.Context, party common.Address, verified bool) (identity.Profile, error)
}

type settlementService interface {
	HandleBridgeEvent(ctx context.Context, ev settlement.BridgeEvent) (settlement.Record, error)
	Get(ctx context.Context, disputeID int64) (settlement.Record, error)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	AdminLogin(ctx context.Context, key string) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type recordService interface {
	Entries(ctx context.Context, disputeID int64) ([]collateral.Entry, error)
	Proposals(ctx context.Context, disputeID int64) ([]proposal.Proposal, error)
	Outcome(ctx context.Context, disputeID int64) (license.Record, error)
}

// recordReader serves the append-only side records of a dispute from the pool.
type recordReader struct {
	pool      db.Querier
	ledger    *collateral.Ledger
	proposals *proposal.Repository
	outcomes  *license.Repository
}

func (r recordReader) Entries(ctx context.Context, disputeID int64) ([]collateral.Entry, error) {
	return r.ledger.Entries(ctx, r.pool, disputeID)
}

func (r recordReader) Proposals(ctx context.Context, disputeID int64) ([]proposal.Proposal, error) {
	return r.proposals.List(ctx, r.pool, disputeID)
}

func (r recordReader) Outcome(ctx context.Context, disputeID int64) (license.Record, error) {
	return r.outcomes.Get(ctx, r.pool, disputeID)
}

// Server exposes the dispute protocol over HTTP.
type Server struct {
	disputeService    disputeService
	treasuryService   treasuryService
	adminService      adminService
	identityService   identityService
	settlementService settlementService
	authService       authService
	records           recordService
	log               logrus.FieldLogger
}

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/admin", s.handleAdminLogin)

		r.Get("/disputes", s.handleListDisputes)
		r.Get("/disputes/{id}", s.handleGetDispute)
		r.Get("/disputes/{id}/events", s.handleDisputeEvents)
		r.Get("/disputes/{id}/ledger", s.handleDisputeLedger)
		r.Get("/disputes/{id}/proposals", s.handleDisputeProposals)
		r.Get("/disputes/{id}/outcome", s.handleDisputeOutcome)
		r.Get("/disputes/{id}/settlement", s.handleDisputeSettlement)
		r.Post("/disputes/{id}/timeout", s.handleEnforceTimeout)
		r.Get("/parties/{address}/score", s.handlePartyScore)
		r.Get("/treasury", s.handleTreasury)
		r.Get("/admin/pause", s.handlePauseState)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/disputes", s.handleInitiate)
			r.Post("/disputes/{id}/stake", s.handleMatchStake)
			r.Post("/disputes/{id}/proposals", s.handleSubmitProposal)
			r.Post("/disputes/{id}/accept", s.handleAccept)
			r.Post("/disputes/{id}/counter", s.handleCounter)
			r.Post("/subsidies", s.handleSubsidy)
			r.Post("/treasury/fund", s.handleFund)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(requireRole(auth.RoleAdmin))
			r.Post("/admin/pause", s.handleSetPaused)
			r.Post("/admin/recoveries", s.handleScheduleRecovery)
			r.Post("/admin/recoveries/{id}/execute", s.handleExecuteRecovery)
			r.Put("/admin/parties/{address}/verification", s.handleSetVerified)
			r.Get("/admin/parties/{address}", s.handleGetParty)
			r.Post("/bridge/events", s.handleBridgeEvent)
		})
	})
	return r
}

// statusFor maps a classified rejection onto an HTTP status. Unclassified
// errors are infrastructure failures.
func statusFor(err error) int {
	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, license.ErrNotFound) {
		return http.StatusNotFound
	}
	kind, ok := failure.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case failure.Validation:
		return http.StatusBadRequest
	case failure.Authorization:
		return http.StatusForbidden
	case failure.StateGuard:
		return http.StatusConflict
	case failure.EconomicGuard:
		return http.StatusPaymentRequired
	case failure.External:
		return http.StatusUnprocessableEntity
	case failure.Unavailable:
		return http.StatusServiceUnavailable
	case failure.NotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeError(w, status, "internal error")
		return
	}
	resp := errorResponse{Error: err.Error()}
	if kind, ok := failure.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	writeJSON(w, status, resp)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// instrument records request latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		observeRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}
