package ledger

const (
	operationGrant     = "grant"
	operationConsume   = "consume"
	operationReconcile = "reconcile"
	operationPending   = "record_pending"

	operationStatusOK        = "ok"
	operationStatusDuplicate = "duplicate"
	operationStatusError     = "error"

	// ReasonPayment marks credit additions produced by payment reconciliation.
	ReasonPayment = "payment"
	// ReasonUsage is the default reason for deductions.
	ReasonUsage = "usage"

	lockKeyPrefix    = "reconcile"
	lockKeyDelimiter = ":"

	metadataKeyPaymentID       = "payment_id"
	metadataKeyPlanID          = "plan_id"
	metadataKeySessionID       = "external_session_id"
	metadataKeyPaymentIntentID = "external_payment_intent_id"

	// DefaultTransactionLimit is used when ListTransactions receives a zero limit.
	DefaultTransactionLimit = 50
	// MaxTransactionLimit caps ListTransactions page size.
	MaxTransactionLimit = 200

	reconcileMaxAttempts = 2
	maxReasonLength      = 64
	currencyCodeLength   = 3
)
