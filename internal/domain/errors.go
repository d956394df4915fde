package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNoActivePosition  = errors.New("no active position")
	ErrVersionConflict   = errors.New("version conflict")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrOrderFailed       = errors.New("order failed")
	ErrCorruptLedger     = errors.New("corrupt ledger")
	ErrDuplicateKey      = errors.New("duplicate key detected")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrPositionClosed    = errors.New("position already closed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ErrorKind maps err onto the names callers see in signal results.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoActivePosition):
		return "NoActivePosition"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrVersionConflict):
		return "VersionConflict"
	case errors.Is(err, ErrLockTimeout):
		return "LockTimeout"
	case errors.Is(err, ErrOrderFailed):
		return "OrderFailed"
	case errors.Is(err, ErrCorruptLedger):
		return "CorruptLedger"
	case errors.Is(err, ErrDuplicateKey):
		return "DuplicateKeyDetected"
	case errors.Is(err, ErrInvalidSignal):
		return "InvalidSignal"
	case errors.Is(err, ErrPositionClosed):
		return "PositionClosed"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrPriceUnavailable):
		return "PriceUnavailable"
	}
	return "Internal"
}
