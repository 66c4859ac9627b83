package trade

import "errors"

// Business-rule rejections. They never leave a session partially mutated.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUnknownItem         = errors.New("unknown item")
	ErrUnknownRegion       = errors.New("unknown region")
	ErrAlreadyThere        = errors.New("already in region")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrOperationInProgress = errors.New("operation in progress")
)

// Infrastructure and access failures.
var (
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUnknownMerchant    = errors.New("unknown merchant")
	ErrUnknownDifficulty  = errors.New("unknown difficulty")
)

// IsRejection reports whether err is a business-rule rejection that the
// player can recover from without any state change.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInsufficientFunds,
		ErrUnknownItem,
		ErrUnknownRegion,
		ErrAlreadyThere,
		ErrInvalidAmount,
		ErrOperationInProgress,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
