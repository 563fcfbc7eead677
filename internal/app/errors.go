package app

import "errors"

// Business rule errors. Handlers map these onto HTTP statuses; the store package
// owns persistence-level errors (not found, unique violations, stale updates).
var (
	ErrInvalidAmount          = errors.New("amount must be a positive whole number of pence")
	ErrUnsupportedMethod      = errors.New("unsupported payment method")
	ErrNoFees                 = errors.New("payment group requires at least one fee")
	ErrIllegalTransition      = errors.New("status transition not permitted")
	ErrUnknownExternalStatus  = errors.New("unrecognised provider status")
	ErrFailureAlreadyRecorded = errors.New("failure already recorded for payment")
	ErrNothingToApportion     = errors.New("no fee headroom available to apportion")

	ErrRemissionExceedsFee          = errors.New("remission exceeds fee calculated amount")
	ErrRemissionExceedsRemainingFee = errors.New("remission exceeds unapportioned fee balance")
	ErrRemissionAlreadyExists       = errors.New("fee already carries a remission")
	ErrRemissionAmountInvalid       = errors.New("remission amount must be positive")

	ErrRefundRequiresSuccessfulPayment   = errors.New("refund requires a successful payment")
	ErrRefundNotAllowedAfterFailureEvent = errors.New("refund not allowed after a failure event")
	ErrDuplicateRefundRequest            = errors.New("refund already requested for payment")
	ErrChannelNotRefundable              = errors.New("payment channel is not refundable")
	ErrRefundNotYetEligible              = errors.New("payment is still inside the clearance period")
	ErrRefundExceedsAvailable            = errors.New("refund exceeds refundable balance")
)
