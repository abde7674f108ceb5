package settlement

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNoEligibleTransactions means there is nothing to settle. Expected,
	// not a failure.
	ErrNoEligibleTransactions = errors.New("settlement: no eligible transactions")
	// ErrInvalidTransition is returned for a status change outside the
	// lifecycle table.
	ErrInvalidTransition = errors.New("settlement: invalid status transition")
	// ErrConcurrentSettlement means another build or status change won a race.
	// Retrying is safe.
	ErrConcurrentSettlement = errors.New("settlement: concurrent modification")
	// ErrPersistentConflict is returned when a retried build conflicts again.
	ErrPersistentConflict = errors.New("settlement: conflict persisted after retry")
	// ErrDuplicatePeriod is returned when the seller already has a settlement
	// for exactly this period.
	ErrDuplicatePeriod = errors.New("settlement: settlement already exists for period")
	// ErrUpstreamUnavailable means the ledger or refund gate could not answer.
	ErrUpstreamUnavailable = errors.New("settlement: upstream unavailable")
	// ErrMisconfigured wraps fee configuration failures.
	ErrMisconfigured = errors.New("settlement: invalid fee configuration")
	// ErrSettlementNotFound is returned when a settlement id is unknown.
	ErrSettlementNotFound = errors.New("settlement: not found")
	// ErrPayoutAccountNotFound is returned when a seller has no registered
	// payout account.
	ErrPayoutAccountNotFound = errors.New("settlement: payout account not found")
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("settlement: invalid request")
)

// Kind tells callers how to react to an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindNothingToSettle
	KindConflict // retry safe
	KindDuplicate
	KindInvalidTransition
	KindConfiguration // operator must intervene
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindNothingToSettle:
		return "nothing_to_settle"
	case KindConflict:
		return "conflict"
	case KindDuplicate:
		return "duplicate"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindConfiguration:
		return "configuration"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every settlement operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Excluded is set on KindNothingToSettle so callers can explain why.
	Excluded *Exclusions
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Excluded != nil && e.Excluded.Total() > 0 {
		msg = fmt.Sprintf("%s (excluded: %s)", msg, e.Excluded)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode is the stable machine-readable code for API responses.
func (e *Error) ErrorCode() string {
	switch e.Kind {
	case KindValidation:
		return "VALIDATION_FAILED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindNothingToSettle:
		return "NOTHING_TO_SETTLE"
	case KindConflict:
		return "CONFLICT"
	case KindDuplicate:
		return "DUPLICATE_RESOURCE"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindUpstream:
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNothingToSettle:
		return http.StatusUnprocessableEntity
	case KindConflict, KindDuplicate, KindInvalidTransition:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether repeating the same call may succeed. A conflict
// that already survived a retry is not.
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict && !errors.Is(e.Err, ErrPersistentConflict)
}

// Details returns the exclusion counts of a nothing-to-settle error.
func (e *Error) Details() interface{} {
	if e.Excluded == nil {
		return nil
	}
	return map[string]interface{}{"excluded": e.Excluded}
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first settlement Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a build or transition may be retried as is.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// sqlStateError is satisfied by pgconn.PgError.
type sqlStateError interface {
	SQLState() string
}

// isSerializationFailure detects lock and isolation failures that a retry
// can resolve.
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr sqlStateError
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr sqlStateError
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify turns a raw store error into a typed Error. Errors that are
// already typed pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case isSerializationFailure(err), isUniqueViolation(err):
		return newError(KindConflict, op, fmt.Errorf("%w: %w", ErrConcurrentSettlement, err))
	case errors.Is(err, gorm.ErrRecordNotFound):
		return newError(KindNotFound, op, ErrSettlementNotFound)
	default:
		return newError(KindUnknown, op, err)
	}
}
