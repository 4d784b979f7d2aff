package credits

import "time"

const (
	operationInitialize       = "initialize"
	operationConsume          = "consume"
	operationReserve          = "reserve"
	operationCapture          = "capture"
	operationRelease          = "release"
	operationRecordPurchase   = "record_purchase"
	operationCompletePurchase = "complete_purchase"
	operationExpirePurchases  = "expire_purchases"
	operationRefund           = "refund"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	idempotencyPrefixInitialize = "initialize"
	idempotencyPrefixReset      = "reset"
	idempotencyPrefixConsume    = "consume"
	idempotencyPrefixHold       = "hold"
	idempotencyPrefixCapture    = "capture"
	idempotencyPrefixRelease    = "release"
	idempotencyPrefixPurchase   = "purchase"
	idempotencyPrefixRefund     = "refund"

	defaultRetryAttempts    = 3
	defaultListEntriesLimit = 50
	maximumListEntriesLimit = 200
)

const (
	refundCreditsPerGrant = 1
	refundMonthlyLimit    = 3
	refundWindow          = 24 * time.Hour
)

// Refund eligibility reasons reported by CanRefund.
const (
	RefundReasonNotFound        = "resource not found"
	RefundReasonAlreadyRefunded = "already refunded"
	RefundReasonWindowExpired   = "window expired"
	RefundReasonLimitReached    = "monthly limit reached"
)
