package main

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"disputeflow/auth"
	"disputeflow/failure"
	"disputeflow/settlement"
	"disputeflow/treasury"
)

type loginRequest struct {
	Address   string `json:"address"`
	IssuedAt  int64  `json:"issuedAt"`
	Signature string `json:"signature"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	addr, ok := parseAddress(body.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	sig, err := hexutil.Decode(body.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be hex")
		return
	}
	res, err := s.authService.Login(r.Context(), auth.LoginRequest{Address: addr, IssuedAt: body.IssuedAt, Signature: sig})
	if err != nil {
		s.writeLoginFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

type adminLoginRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body adminLoginRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := s.authService.AdminLogin(r.Context(), body.Key)
	if err != nil {
		s.writeLoginFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

func (s *Server) writeLoginFailure(w http.ResponseWriter, r *http.Request, err error) {
	if kind, ok := failure.KindOf(err); ok && kind == failure.Authorization {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if errors.Is(err, auth.ErrChallengeReplayed) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.writeFailure(w, r, err)
}

func (s *Server) handlePartyScore(w http.ResponseWriter, r *http.Request) {
	party, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	st, err := s.treasuryService.Score(r.Context(), party)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStandingResponse(st))
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	b, err := s.treasuryService.Balances(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalancesResponse(b))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	from, ok := partyFrom(r)
	if !ok {
		writeError(w, http.StatusForbidden, "party token required")
		return
	}
	var body amountRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, ok := parseWei(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a wei amount")
		return
	}
	b, err := s.treasuryService.Fund(r.Context(), from, amount)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalancesResponse(b))
}

type subsidyRequest struct {
	Requester string `json:"requester"`
	DisputeID int64  `json:"disputeId"`
	Amount    string `json:"amount"`
}

func (s *Server) handleSubsidy(w http.ResponseWriter, r *http.Request) {
	caller, ok := partyFrom(r)
	if !ok {
		writeError(w, http.StatusForbidden, "party token required")
		return
	}
	var body subsidyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	requester, ok := parseAddress(body.Requester)
	if !ok {
		writeError(w, http.StatusBadRequest, "requester must be an address")
		return
	}
	amount, ok := parseWei(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a wei amount")
		return
	}
	grant, err := s.treasuryService.RequestSubsidy(r.Context(), treasury.SubsidyRequest{
		Caller:    caller,
		Requester: requester,
		DisputeID: body.DisputeID,
		Amount:    amount,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGrantResponse(grant))
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePauseState(w http.ResponseWriter, r *http.Request) {
	paused, err := s.adminService.Paused(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pauseRequest{Paused: paused})
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var body pauseRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.adminService.SetPaused(r.Context(), subjectFrom(r), body.Paused); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type recoveryRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func (s *Server) handleScheduleRecovery(w http.ResponseWriter, r *http.Request) {
	var body recoveryRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	recipient, ok := parseAddress(body.Recipient)
	if !ok {
		writeError(w, http.StatusBadRequest, "recipient must be an address")
		return
	}
	amount, ok := parseWei(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a wei amount")
		return
	}
	rec, err := s.adminService.ScheduleRecovery(r.Context(), subjectFrom(r), recipient, amount)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRecoveryResponse(rec))
}

func (s *Server) handleExecuteRecovery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recovery id")
		return
	}
	rec, err := s.adminService.ExecuteRecovery(r.Context(), subjectFrom(r), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecoveryResponse(rec))
}

type verificationRequest struct {
	Verified bool `json:"verified"`
}

func (s *Server) handleSetVerified(w http.ResponseWriter, r *http.Request) {
	party, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	var body verificationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	p, err := s.identityService.SetVerified(r.Context(), party, body.Verified)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(p))
}

func (s *Server) handleGetParty(w http.ResponseWriter, r *http.Request) {
	party, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	p, err := s.identityService.Get(r.Context(), party)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(p))
}

type bridgeEventRequest struct {
	DisputeID      int64  `json:"disputeId"`
	Stage          string `json:"stage"`
	ExternalRef    string `json:"externalRef"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// handleBridgeEvent takes the idempotency key from the body or, failing that,
// the Idempotency-Key header.
func (s *Server) handleBridgeEvent(w http.ResponseWriter, r *http.Request) {
	var body bridgeEventRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	rec, err := s.settlementService.HandleBridgeEvent(r.Context(), settlement.BridgeEvent{
		DisputeID:      body.DisputeID,
		Stage:          settlement.Stage(body.Stage),
		ExternalRef:    body.ExternalRef,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementResponse(rec))
}
