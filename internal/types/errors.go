package types

import "errors"

// Kind classifies an error so transports can map it without string matching
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindAuthorization Kind = "AUTHORIZATION"
	KindState         Kind = "STATE"
	KindProtocol      Kind = "PROTOCOL"
	KindArithmetic    Kind = "ARITHMETIC"
	KindNotFound      Kind = "NOT_FOUND"
)

// Error is a typed settlement error. Instances are package-level sentinels so
// errors.Is works through any amount of wrapping.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// validation errors
var (
	ErrQuestionTooLong         = newError(KindValidation, "QUESTION_TOO_LONG", "question exceeds maximum length of 200 characters")
	ErrInvalidDeadlines        = newError(KindValidation, "INVALID_DEADLINES", "deadlines must satisfy betting_start < betting_end < resolution_end")
	ErrDeadlineInPast          = newError(KindValidation, "DEADLINE_IN_PAST", "deadline cannot be in the past")
	ErrInvalidBetAmount        = newError(KindValidation, "INVALID_BET_AMOUNT", "bet amount must be greater than zero")
	ErrInvalidEncryptedBetSize = newError(KindValidation, "INVALID_ENCRYPTED_BET_SIZE", "encrypted bet data size is invalid")
	ErrInvalidOutcome          = newError(KindValidation, "INVALID_OUTCOME", "invalid outcome, must be 0 (NO) or 1 (YES)")
	ErrInvalidRequestID        = newError(KindValidation, "INVALID_REQUEST_ID", "request id must be unique and greater than the last one used")
	ErrEncryptedStateTooLarge  = newError(KindValidation, "ENCRYPTED_STATE_TOO_LARGE", "encrypted state exceeds maximum size")
	ErrInsufficientFunds       = newError(KindValidation, "INSUFFICIENT_FUNDS", "insufficient funds for transfer")
)

// authorization errors
var (
	ErrUnauthorized     = newError(KindAuthorization, "UNAUTHORIZED", "unauthorized, only the market authority can perform this action")
	ErrNotOwner         = newError(KindAuthorization, "NOT_OWNER", "position is owned by another identity")
	ErrInvalidPoolState = newError(KindAuthorization, "INVALID_POOL_STATE", "pool state does not match market")
	ErrInvalidPosition  = newError(KindAuthorization, "INVALID_POSITION", "position does not belong to this market")
	ErrInvalidVault     = newError(KindAuthorization, "INVALID_VAULT", "vault does not match market")
)

// state errors
var (
	ErrMarketExists            = newError(KindState, "MARKET_EXISTS", "a market with this id already exists")
	ErrMarketNotOpen           = newError(KindState, "MARKET_NOT_OPEN", "market is not open for betting")
	ErrBettingNotStarted       = newError(KindState, "BETTING_NOT_STARTED", "betting period has not started yet")
	ErrBettingEnded            = newError(KindState, "BETTING_ENDED", "betting period has ended")
	ErrBettingNotEnded         = newError(KindState, "BETTING_NOT_ENDED", "betting period has not ended yet")
	ErrMarketNotResolved       = newError(KindState, "MARKET_NOT_RESOLVED", "market has not been resolved")
	ErrMarketAlreadyResolved   = newError(KindState, "MARKET_ALREADY_RESOLVED", "market has already been resolved")
	ErrMarketNotCancelled      = newError(KindState, "MARKET_NOT_CANCELLED", "market is not cancelled")
	ErrInvalidMarketStatus     = newError(KindState, "INVALID_MARKET_STATUS", "invalid market status for this operation")
	ErrInvalidPositionStatus   = newError(KindState, "INVALID_POSITION_STATUS", "invalid position status for this operation")
	ErrPositionExists          = newError(KindState, "POSITION_EXISTS", "an active position already exists for this market")
	ErrAlreadyClaimed          = newError(KindState, "ALREADY_CLAIMED", "position has already been claimed")
	ErrNoPayout                = newError(KindState, "NO_PAYOUT", "no payout available for this position")
	ErrPayoutNotComputed       = newError(KindState, "PAYOUT_NOT_COMPUTED", "payout has not been computed yet")
	ErrPoolStateNotInitialized = newError(KindState, "POOL_STATE_NOT_INITIALIZED", "pool state has not been initialized")
	ErrAggregationPending      = newError(KindState, "AGGREGATION_PENDING", "pool still has pending aggregation requests")
	ErrComputationInFlight     = newError(KindState, "COMPUTATION_IN_FLIGHT", "a computation is already in flight for this position")
	ErrConcurrentUpdate        = newError(KindState, "CONCURRENT_UPDATE", "pool state was modified by a concurrent transaction")
	ErrOutOfOrder              = newError(KindState, "OUT_OF_ORDER", "result does not descend from the current pool state version")
)

// protocol errors
var (
	ErrComputationAborted = newError(KindProtocol, "COMPUTATION_ABORTED", "computation was aborted")
	ErrInvalidComputation = newError(KindProtocol, "INVALID_COMPUTATION_RESULT", "invalid computation result")
	ErrAttestationFailed  = newError(KindProtocol, "ATTESTATION_FAILED", "attestation verification failed")
	ErrUnknownComputation = newError(KindProtocol, "UNKNOWN_COMPUTATION", "no computation was submitted with this request id")
	ErrComputationExpired = newError(KindProtocol, "COMPUTATION_EXPIRED", "computation expired before its result arrived")
	ErrRequestInFlight    = newError(KindProtocol, "REQUEST_IN_FLIGHT", "request id is already in flight")
	ErrClusterUnavailable = newError(KindProtocol, "CLUSTER_UNAVAILABLE", "compute cluster rejected the submission")
	ErrOddsUnavailable    = newError(KindProtocol, "ODDS_UNAVAILABLE", "compute cluster does not quote odds")
)

// arithmetic errors
var (
	ErrOverflow  = newError(KindArithmetic, "OVERFLOW", "arithmetic overflow")
	ErrUnderflow = newError(KindArithmetic, "UNDERFLOW", "arithmetic underflow")
)

// not found
var (
	ErrMarketNotFound   = newError(KindNotFound, "MARKET_NOT_FOUND", "market not found")
	ErrPositionNotFound = newError(KindNotFound, "POSITION_NOT_FOUND", "position not found")
)

// KindOf returns the kind of the first typed error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Aborted wraps a protocol failure so callers see ComputationAborted while
// the underlying reason is kept for logs.
func Aborted(reason error) error {
	return &abortedError{reason: reason}
}

type abortedError struct {
	reason error
}

func (e *abortedError) Error() string {
	return ErrComputationAborted.Message + ": " + e.reason.Error()
}

func (e *abortedError) Unwrap() []error {
	return []error{ErrComputationAborted, e.reason}
}
