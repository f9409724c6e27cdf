package forwarder

import "fmt"

// Error is returned when an operation aborts. No state change survives an Error.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying host error, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by code, so errors.Is(err, ErrUnauthorizedRelayer) holds for
// any *Error carrying that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeUnauthorizedRelayer          = "unauthorized_relayer"
	ErrCodeInvalidSignatureOrNonce      = "invalid_signature_or_nonce"
	ErrCodeGasLimitExceedsMaximum       = "gas_limit_exceeds_maximum"
	ErrCodeSelfCallsNotAllowed          = "self_calls_not_allowed"
	ErrCodeInsufficientSponsorshipFunds = "insufficient_sponsorship_funds"
	ErrCodeChangeNotYetDue              = "change_not_yet_due"
	ErrCodeMaxGasLimitTooLow            = "max_gas_limit_too_low"
	ErrCodeWithdrawalAmountExceedsLimit = "withdrawal_amount_exceeds_limit"
	ErrCodeInsufficientFunds            = "insufficient_funds"
	ErrCodeCallerNotOwner               = "caller_not_owner"
	ErrCodeReentrantCall                = "reentrant_call"
	ErrCodeChangeNotScheduled           = "change_not_scheduled"
	ErrCodeExecutionAborted             = "execution_aborted"
	ErrCodePayoutFailed                 = "payout_failed"
	ErrCodeInvalidRequest               = "invalid_request"
)

// Sentinels for errors.Is
var (
	ErrUnauthorizedRelayer          = &Error{Code: ErrCodeUnauthorizedRelayer}
	ErrInvalidSignatureOrNonce      = &Error{Code: ErrCodeInvalidSignatureOrNonce}
	ErrGasLimitExceedsMaximum       = &Error{Code: ErrCodeGasLimitExceedsMaximum}
	ErrSelfCallsNotAllowed          = &Error{Code: ErrCodeSelfCallsNotAllowed}
	ErrInsufficientSponsorshipFunds = &Error{Code: ErrCodeInsufficientSponsorshipFunds}
	ErrChangeNotYetDue              = &Error{Code: ErrCodeChangeNotYetDue}
	ErrMaxGasLimitTooLow            = &Error{Code: ErrCodeMaxGasLimitTooLow}
	ErrWithdrawalAmountExceedsLimit = &Error{Code: ErrCodeWithdrawalAmountExceedsLimit}
	ErrInsufficientFunds            = &Error{Code: ErrCodeInsufficientFunds}
	ErrCallerNotOwner               = &Error{Code: ErrCodeCallerNotOwner}
	ErrReentrantCall                = &Error{Code: ErrCodeReentrantCall}
	ErrChangeNotScheduled           = &Error{Code: ErrCodeChangeNotScheduled}
	ErrExecutionAborted             = &Error{Code: ErrCodeExecutionAborted}
	ErrPayoutFailed                 = &Error{Code: ErrCodePayoutFailed}
	ErrInvalidRequest               = &Error{Code: ErrCodeInvalidRequest}
)

// NewError creates a new forwarder error
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func wrapError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}
