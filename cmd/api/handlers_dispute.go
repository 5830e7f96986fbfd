package main

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"disputeflow/dispute"
	"disputeflow/license"
)

const defaultListLimit = 50

func disputeID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type initiateRequest struct {
	Counterparty    string        `json:"counterparty"`
	Stake           string        `json:"stake"`
	FallbackLicense license.Terms `json:"fallbackLicense"`
	DIDRequired     bool          `json:"didRequired"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	caller, ok := partyFrom(r)
	if !ok {
		writeError(w, http.StatusForbidden, "party token required")
		return
	}
	var body initiateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	counterparty, ok := parseAddress(body.Counterparty)
	if !ok {
		writeError(w, http.StatusBadRequest, "counterparty must be an address")
		return
	}
	stake, ok := parseWei(body.Stake)
	if !ok {
		writeError(w, http.StatusBadRequest, "stake must be a wei amount")
		return
	}

	d, err := s.disputeService.Initiate(r.Context(), dispute.InitiateRequest{
		Initiator:       caller,
		Counterparty:    counterparty,
		Stake:           stake,
		FallbackLicense: body.FallbackLicense,
		DIDRequired:     body.DIDRequired,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDisputeResponse(d))
}

type listQuery struct {
	Party  string `schema:"party"`
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	var q listQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query")
		return
	}
	f := dispute.Filter{Limit: q.Limit, Offset: q.Offset}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > dispute.MaxListLimit {
		f.Limit = dispute.MaxListLimit
	}
	if f.Offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must not be negative")
		return
	}
	if q.Party != "" {
		party, ok := parseAddress(q.Party)
		if !ok {
			writeError(w, http.StatusBadRequest, "party must be an address")
			return
		}
		f.Party = &party
	}
	if q.Status != "" {
		status := dispute.Status(q.Status)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		f.Status = &status
	}

	list, err := s.disputeService.List(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(list))
	for _, d := range list {
		items = append(items, newDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items), "limit": f.Limit})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	d, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleDisputeEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	events, err := s.disputeService.Events(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, newEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDisputeLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	if _, err := s.disputeService.Get(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entries, err := s.records.Entries(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, newLedgerEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDisputeProposals(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	if _, err := s.disputeService.Get(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	list, err := s.records.Proposals(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items := make([]proposalResponse, 0, len(list))
	for _, p := range list {
		items = append(items, newProposalResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDisputeOutcome returns the license bound to a finalized dispute. A
// non-participation timeout binds none and answers 404.
func (s *Server) handleDisputeOutcome(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	rec, err := s.records.Outcome(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(rec))
}

func (s *Server) handleDisputeSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	rec, err := s.settlementService.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementResponse(rec))
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleMatchStake(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.partyAction(w, r)
	if !ok {
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
	d, err := s.disputeService.MatchStake(r.Context(), id, caller, amount)
	s.writeDispute(w, r, d, err)
}

type proposalRequest struct {
	ContentHash string `json:"contentHash"`
	Signature   string `json:"signature"`
}

// handleSubmitProposal accepts an attested proposal from any authenticated
// caller; the attestation is what authorizes it.
func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	var body proposalRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	hash, ok := parseHash(body.ContentHash)
	if !ok {
		writeError(w, http.StatusBadRequest, "contentHash must be 32 bytes of hex")
		return
	}
	sig, err := hexutil.Decode(body.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be hex")
		return
	}
	d, err := s.disputeService.SubmitProposal(r.Context(), id, hash, sig)
	s.writeDispute(w, r, d, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.partyAction(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.AcceptProposal(r.Context(), id, caller)
	s.writeDispute(w, r, d, err)
}

type counterRequest struct {
	Fee string `json:"fee"`
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.partyAction(w, r)
	if !ok {
		return
	}
	var body counterRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	fee, ok := parseWei(body.Fee)
	if !ok {
		writeError(w, http.StatusBadRequest, "fee must be a wei amount")
		return
	}
	d, err := s.disputeService.CounterPropose(r.Context(), id, caller, fee)
	s.writeDispute(w, r, d, err)
}

// handleEnforceTimeout is permissionless.
func (s *Server) handleEnforceTimeout(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	d, err := s.disputeService.EnforceTimeout(r.Context(), id)
	s.writeDispute(w, r, d, err)
}

func (s *Server) partyAction(w http.ResponseWriter, r *http.Request) (common.Address, int64, bool) {
	caller, ok := partyFrom(r)
	if !ok {
		writeError(w, http.StatusForbidden, "party token required")
		return common.Address{}, 0, false
	}
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return common.Address{}, 0, false
	}
	return caller, id, true
}

func (s *Server) writeDispute(w http.ResponseWriter, r *http.Request, d dispute.Dispute, err error) {
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}
