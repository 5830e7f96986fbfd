package dispute

import "disputeflow/failure"

var (
	ErrInvalidInitiator          = failure.New(failure.Validation, "dispute: invalid initiator")
	ErrInvalidCounterparty       = failure.New(failure.Validation, "dispute: invalid counterparty")
	ErrZeroStake                 = failure.New(failure.Validation, "dispute: stake must be positive")
	ErrExclusiveFallbackRejected = failure.New(failure.Validation, "dispute: fallback license must be non-exclusive")
	ErrInvalidFallbackLicense    = failure.New(failure.Validation, "dispute: invalid fallback license")
	ErrEmptyProposal             = failure.New(failure.Validation, "dispute: empty proposal hash")

	ErrNotCounterparty = failure.New(failure.Authorization, "dispute: caller is not the counterparty")
	ErrNotAParty       = failure.New(failure.Authorization, "dispute: caller is not a party")

	ErrStakeWindowClosed      = failure.New(failure.StateGuard, "dispute: stake window closed")
	ErrMaxCountersReached     = failure.New(failure.StateGuard, "dispute: maximum counter-proposals reached")
	ErrAlreadyAccepted        = failure.New(failure.StateGuard, "dispute: proposal already accepted by caller")
	ErrNotActive              = failure.New(failure.StateGuard, "dispute: dispute is not active")
	ErrNotAwaitingStake       = failure.New(failure.StateGuard, "dispute: dispute is not awaiting a stake")
	ErrNoActiveProposal       = failure.New(failure.StateGuard, "dispute: no open proposal")
	ErrResolutionWindowClosed = failure.New(failure.StateGuard, "dispute: resolution deadline has passed")
	ErrDeadlineNotReached     = failure.New(failure.StateGuard, "dispute: deadline not reached")
	ErrDisputeFinalized       = failure.New(failure.StateGuard, "dispute: dispute already finalized")

	ErrStakeMismatch          = failure.New(failure.EconomicGuard, "dispute: stake must match the initiator's")
	ErrInsufficientCounterFee = failure.New(failure.EconomicGuard, "dispute: counter-proposal fee below required minimum")

	ErrIdentityRequired = failure.New(failure.External, "dispute: verified identity required")

	ErrNotFound = failure.New(failure.NotFound, "dispute: not found")
)
