package gateway

import "fmt"

// Error is a client-facing rejection with a stable machine-readable ID. The
// API layer renders it into the {errors:[{id,message}]} envelope; anything
// that is not an *Error becomes unexpected_error with status 500.
type Error struct {
	ID      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

// WithMessage returns a copy of the error with a different message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{ID: e.ID, Message: msg}
}

// Withf returns a copy of the error with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{ID: e.ID, Message: fmt.Sprintf(format, args...)}
}

// Is matches errors by ID so callers can test against the catalogue values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.ID == e.ID
}

var (
	ErrInvalidAddress     = &Error{ID: "invalid_address", Message: "Invalid address"}
	ErrInvalidFromAddress = &Error{ID: "invalid_from_address", Message: "Invalid `from` address"}
	ErrInvalidToAddress   = &Error{ID: "invalid_to_address", Message: "Invalid `to` address"}
	ErrInvalidValue       = &Error{ID: "invalid_value", Message: "Invalid `value`"}
	ErrInvalidGas         = &Error{ID: "invalid_gas", Message: "Invalid `gas`"}
	ErrInvalidGasPrice    = &Error{ID: "invalid_gas_price", Message: "Invalid `gas_price`"}
	ErrInvalidData        = &Error{ID: "invalid_data", Message: "Invalid `data` field"}
	ErrInvalidNonce       = &Error{ID: "invalid_nonce", Message: "Invalid `nonce`"}
	ErrNonceTooLow        = &Error{ID: "invalid_nonce", Message: "Provided nonce is too low"}
	ErrNonceTooHigh       = &Error{ID: "invalid_nonce", Message: "Provided nonce is too high"}
	ErrNonceAlreadyUsed   = &Error{ID: "invalid_nonce", Message: "Nonce already used"}
	ErrInvalidTransaction = &Error{ID: "invalid_transaction", Message: "Invalid transaction"}
	ErrInvalidSignature   = &Error{ID: "invalid_signature", Message: "Invalid signature"}
	ErrMissingSignature   = &Error{ID: "missing_signature", Message: "Missing signature"}
	ErrInsufficientFunds  = &Error{ID: "insufficient_funds", Message: "Insufficient balance to cover value and fees"}
	ErrInvalidNetworkID   = &Error{ID: "invalid_network_id", Message: "Transaction is for a different network"}
	ErrBadArguments       = &Error{ID: "bad_arguments", Message: "Bad arguments"}
	ErrNotFound           = &Error{ID: "not_found", Message: "Not found"}
	ErrUnexpected         = &Error{ID: "unexpected_error", Message: "An unexpected error occurred"}
)
