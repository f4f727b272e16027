package x402

import "errors"

var (
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrDegradedNegotiation marks a 402 body that could not be read and was
	// replaced by the fallback requirement. It is logged, never returned to callers.
	ErrDegradedNegotiation = errors.New("x402: degraded negotiation, fallback requirement used")

	ErrWrongNetwork      = errors.New("x402: wallet is connected to an unsupported network")
	ErrNoAccount         = errors.New("x402: no wallet account available")
	ErrInsufficientFunds = errors.New("x402: insufficient funds for transfer")
	ErrTransferFailed    = errors.New("x402: transfer failed")

	// ErrPaymentRejected is a second 402 after resubmitting with a proof.
	ErrPaymentRejected = errors.New("x402: payment rejected by server")

	ErrPaymentVerificationFailed = errors.New("x402: payment verification failed")
	ErrPaymentAlreadyUsed        = errors.New("x402: payment already used")
)

// ErrorCode is the stable, machine-readable name of a payment failure.
type ErrorCode string

const (
	CodeMalformedHeader           ErrorCode = "MALFORMED_HEADER"
	CodeDegradedNegotiation       ErrorCode = "DEGRADED_NEGOTIATION"
	CodeWrongNetwork              ErrorCode = "WRONG_NETWORK"
	CodeNoAccount                 ErrorCode = "NO_ACCOUNT"
	CodeInsufficientFunds         ErrorCode = "INSUFFICIENT_FUNDS"
	CodeTransferFailed            ErrorCode = "TRANSFER_FAILED"
	CodePaymentRejected           ErrorCode = "PAYMENT_REJECTED"
	CodePaymentVerificationFailed ErrorCode = "PAYMENT_VERIFICATION_FAILED"
	CodePaymentAlreadyUsed        ErrorCode = "PAYMENT_ALREADY_USED"
	CodeUnknown                   ErrorCode = "UNKNOWN"
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrMalformedHeader, CodeMalformedHeader},
	{ErrDegradedNegotiation, CodeDegradedNegotiation},
	{ErrWrongNetwork, CodeWrongNetwork},
	{ErrNoAccount, CodeNoAccount},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrTransferFailed, CodeTransferFailed},
	{ErrPaymentRejected, CodePaymentRejected},
	{ErrPaymentVerificationFailed, CodePaymentVerificationFailed},
	{ErrPaymentAlreadyUsed, CodePaymentAlreadyUsed},
}

// CodeOf maps err onto the taxonomy, CodeUnknown when it is not a payment error.
func CodeOf(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// UserMessage is the human-readable reason shown for a payment failure.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case CodeWrongNetwork:
		return "Please switch your wallet to a supported network"
	case CodeNoAccount:
		return "Please connect your wallet"
	case CodeInsufficientFunds:
		return "Insufficient USDC balance"
	case CodeTransferFailed:
		return "Payment transfer failed"
	case CodePaymentRejected:
		return "Payment was not accepted by the device gateway"
	case CodeMalformedHeader:
		return "Invalid payment data"
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
