package main

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"disputeflow/admin"
	"disputeflow/auth"
	"disputeflow/collateral"
	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/license"
	"disputeflow/proposal"
	"disputeflow/settlement"
	"disputeflow/treasury"
)

// Amounts cross the wire as decimal wei strings.

func parseWei(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseHash(s string) (common.Hash, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type disputeResponse struct {
	ID                   int64         `json:"id"`
	Initiator            string        `json:"initiator"`
	Counterparty         string        `json:"counterparty"`
	InitiatorStake       string        `json:"initiatorStake"`
	CounterpartyStake    string        `json:"counterpartyStake"`
	Status               string        `json:"status"`
	Outcome              string        `json:"outcome,omitempty"`
	ProposalHash         string        `json:"proposalHash,omitempty"`
	ProposalRound        int           `json:"proposalRound"`
	CounterCount         int           `json:"counterCount"`
	InitiatorCounters    int           `json:"initiatorCounters"`
	CounterpartyCounters int           `json:"counterpartyCounters"`
	InitiatorAccepted    bool          `json:"initiatorAccepted"`
	CounterpartyAccepted bool          `json:"counterpartyAccepted"`
	DIDRequired          bool          `json:"didRequired"`
	FallbackLicense      license.Terms `json:"fallbackLicense"`
	StartTime            string        `json:"startTime"`
	StakeDeadline        string        `json:"stakeDeadline"`
	ResolutionDeadline   string        `json:"resolutionDeadline,omitempty"`
	TimeExtensionSecs    int64         `json:"timeExtensionSecs"`
	FinalizedAt          string        `json:"finalizedAt,omitempty"`
	UpdatedAt            string        `json:"updatedAt"`
}

func newDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:                   d.ID,
		Initiator:            d.Initiator.Hex(),
		Counterparty:         d.Counterparty.Hex(),
		InitiatorStake:       weiString(d.InitiatorStake),
		CounterpartyStake:    weiString(d.CounterpartyStake),
		Status:               string(d.Status),
		Outcome:              string(d.Outcome),
		ProposalRound:        d.ProposalRound,
		CounterCount:         d.CounterCount,
		InitiatorCounters:    d.InitiatorCounters,
		CounterpartyCounters: d.CounterpartyCounters,
		InitiatorAccepted:    d.InitiatorAccepted,
		CounterpartyAccepted: d.CounterpartyAccepted,
		DIDRequired:          d.DIDRequired,
		FallbackLicense:      d.FallbackLicense,
		StartTime:            formatTime(d.StartTime),
		StakeDeadline:        formatTime(d.StakeDeadline),
		TimeExtensionSecs:    int64(d.TimeExtension / time.Second),
		FinalizedAt:          formatTimePtr(d.FinalizedAt),
		UpdatedAt:            formatTime(d.UpdatedAt),
	}
	if d.ProposalHash != nil {
		resp.ProposalHash = d.ProposalHash.Hex()
	}
	if !d.ResolutionDeadline.IsZero() {
		resp.ResolutionDeadline = formatTime(d.ResolutionDeadline)
	}
	return resp
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

func newEventResponse(e dispute.Event) eventResponse {
	resp := eventResponse{
		Seq:       e.Seq,
		Type:      e.Type,
		Payload:   e.Payload,
		CreatedAt: formatTime(e.CreatedAt),
	}
	if e.Actor != nil {
		resp.Actor = *e.Actor
	}
	return resp
}

type ledgerEntryResponse struct {
	ID        int64  `json:"id"`
	Party     string `json:"party"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"createdAt"`
}

func newLedgerEntryResponse(e collateral.Entry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:        e.ID,
		Party:     e.Party.Hex(),
		Kind:      string(e.Kind),
		Amount:    weiString(e.Amount),
		CreatedAt: formatTime(e.CreatedAt),
	}
}

type proposalResponse struct {
	Round       int    `json:"round"`
	ContentHash string `json:"contentHash"`
	Signature   string `json:"signature"`
	Attester    string `json:"attester"`
	CreatedAt   string `json:"createdAt"`
}

func newProposalResponse(p proposal.Proposal) proposalResponse {
	return proposalResponse{
		Round:       p.Round,
		ContentHash: p.ContentHash.Hex(),
		Signature:   hexutil.Encode(p.Signature),
		Attester:    p.Attester.Hex(),
		CreatedAt:   formatTime(p.CreatedAt),
	}
}

type outcomeResponse struct {
	DisputeID    int64          `json:"disputeId"`
	Source       string         `json:"source"`
	ProposalHash string         `json:"proposalHash,omitempty"`
	Terms        *license.Terms `json:"terms,omitempty"`
	AppliedAt    string         `json:"appliedAt"`
}

func newOutcomeResponse(r license.Record) outcomeResponse {
	resp := outcomeResponse{
		DisputeID: r.DisputeID,
		Source:    string(r.Source),
		Terms:     r.Terms,
		AppliedAt: formatTime(r.AppliedAt),
	}
	if r.ProposalHash != nil {
		resp.ProposalHash = r.ProposalHash.Hex()
	}
	return resp
}

type settlementResponse struct {
	DisputeID   int64  `json:"disputeId"`
	Status      string `json:"status"`
	ExternalRef string `json:"externalRef,omitempty"`
	BridgedAt   string `json:"bridgedAt,omitempty"`
	ConfirmedAt string `json:"confirmedAt,omitempty"`
}

func newSettlementResponse(r settlement.Record) settlementResponse {
	return settlementResponse{
		DisputeID:   r.DisputeID,
		Status:      string(r.Status),
		ExternalRef: r.ExternalRef,
		BridgedAt:   formatTimePtr(r.BridgedAt),
		ConfirmedAt: formatTimePtr(r.ConfirmedAt),
	}
}

type standingResponse struct {
	Address     string `json:"address"`
	Score       int    `json:"score"`
	StoredScore int    `json:"storedScore"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

func newStandingResponse(st treasury.Standing) standingResponse {
	resp := standingResponse{
		Address:     st.Address.Hex(),
		Score:       st.Decayed,
		StoredScore: st.Stored,
	}
	if !st.LastUpdated.IsZero() {
		resp.LastUpdated = formatTime(st.LastUpdated)
	}
	return resp
}

type grantResponse struct {
	Requester    string `json:"requester"`
	DisputeID    int64  `json:"disputeId"`
	Amount       string `json:"amount"`
	Cap          string `json:"cap"`
	ReserveAfter string `json:"reserveAfter"`
}

func newGrantResponse(g treasury.Grant) grantResponse {
	return grantResponse{
		Requester:    g.Requester.Hex(),
		DisputeID:    g.DisputeID,
		Amount:       weiString(g.Amount),
		Cap:          weiString(g.Caps.Limit()),
		ReserveAfter: weiString(g.ReserveAfter),
	}
}

type balancesResponse struct {
	Protocol string `json:"protocol"`
	Burned   string `json:"burned"`
}

func newBalancesResponse(b treasury.Balances) balancesResponse {
	return balancesResponse{Protocol: weiString(b.Protocol), Burned: weiString(b.Burned)}
}

type recoveryResponse struct {
	ID          string `json:"id"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	ETA         string `json:"eta"`
	ScheduledBy string `json:"scheduledBy"`
	ExecutedAt  string `json:"executedAt,omitempty"`
}

func newRecoveryResponse(rec admin.Recovery) recoveryResponse {
	return recoveryResponse{
		ID:          rec.ID.String(),
		Recipient:   rec.Recipient.Hex(),
		Amount:      weiString(rec.Amount),
		ETA:         formatTime(rec.ETA),
		ScheduledBy: rec.ScheduledBy,
		ExecutedAt:  formatTimePtr(rec.ExecutedAt),
	}
}

type profileResponse struct {
	Address    string `json:"address"`
	Verified   bool   `json:"verified"`
	VerifiedAt string `json:"verifiedAt,omitempty"`
}

func newProfileResponse(p identity.Profile) profileResponse {
	return profileResponse{
		Address:    p.Address.Hex(),
		Verified:   p.Verified,
		VerifiedAt: formatTimePtr(p.VerifiedAt),
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expiresAt"`
}

func newTokenResponse(res auth.LoginResult) tokenResponse {
	return tokenResponse{
		Token:     res.Token,
		Subject:   res.Subject,
		Role:      string(res.Role),
		ExpiresAt: formatTime(res.ExpiresAt),
	}
}
