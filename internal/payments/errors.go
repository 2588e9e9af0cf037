package payments

import "errors"

var (
	ErrTierNotFound        = errors.New("tier not found")
	ErrFormIncomplete      = errors.New("assessment form incomplete")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrPaymentPending      = errors.New("payment not completed")
	ErrAmountMismatch      = errors.New("payment amount does not match checkout")
	ErrInvalidWebhook      = errors.New("invalid webhook event")
	ErrTransactionNotFound = errors.New("processor transaction not found")
)
