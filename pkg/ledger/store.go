package ledger

import "context"

// Store is the persistence boundary for balances, credit transactions, and payments.
// Implementations must run WithTx callbacks in a single database transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetBalance reports false when the user has no balance row.
	GetBalance(ctx context.Context, userID UserID) (Balance, bool, error)
	EnsureBalance(ctx context.Context, userID UserID) error
	// IncrementBalance adds to total and remaining; a non-zero paymentAtUnixUTC also sets last_payment_at.
	IncrementBalance(ctx context.Context, userID UserID, amount PositiveCredits, paymentAtUnixUTC int64) (Balance, error)
	// DecrementBalance moves credits from remaining to used only when remaining covers amount.
	// applied is false when no row matched the condition.
	DecrementBalance(ctx context.Context, userID UserID, amount PositiveCredits) (balance Balance, applied bool, err error)

	InsertCreditTransaction(ctx context.Context, input CreditTransactionInput) (CreditTransaction, error)
	// ListCreditTransactions returns newest first; beforeSequence 0 starts at the newest.
	ListCreditTransactions(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]CreditTransaction, error)
	// ReplayCreditTransactions returns every transaction in creation order.
	ReplayCreditTransactions(ctx context.Context, userID UserID) ([]CreditTransaction, error)

	// FindPayment matches either identifier, locking the row where supported, and prefers a completed row.
	FindPayment(ctx context.Context, sessionID ExternalID, paymentIntentID ExternalID) (PaymentTransaction, bool, error)
	// InsertPayment returns ErrPaymentConflict when an identifier is already stored.
	InsertPayment(ctx context.Context, input PaymentInput) (PaymentTransaction, error)
	CompletePayment(ctx context.Context, paymentID PaymentID, input PaymentInput) (PaymentTransaction, error)
}

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker provides mutual exclusion keyed by string.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}
