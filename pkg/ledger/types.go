package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// PlanID identifies the purchased plan.
type PlanID struct {
	value string
}

// ExternalID is a payment-provider identifier. The zero value means absent.
type ExternalID struct {
	value string
}

// PaymentID identifies a stored payment transaction.
type PaymentID struct {
	value string
}

// TransactionID identifies a stored credit transaction.
type TransactionID struct {
	value string
}

// Currency is an upper-cased ISO 4217 code.
type Currency struct {
	value string
}

// Reason labels a credit transaction.
type Reason struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Credits is a non-negative credit count.
type Credits int64

// PositiveCredits is a strictly positive credit count.
type PositiveCredits int64

// AmountMinor is a non-negative payment amount in minor currency units.
type AmountMinor int64

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the identifier is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlanID) String() string {
	return id.value
}

// NewExternalID normalizes a provider identifier. Blank input yields the absent value.
func NewExternalID(raw string) (ExternalID, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return ExternalID{}, fmt.Errorf("%w: contains whitespace", ErrInvalidExternalID)
	}
	return ExternalID{value: trimmed}, nil
}

// String returns the identifier or an empty string when absent.
func (id ExternalID) String() string {
	return id.value
}

// IsZero reports whether the identifier is absent.
func (id ExternalID) IsZero() bool {
	return id.value == ""
}

// NewPaymentID validates a payment id.
func NewPaymentID(raw string) (PaymentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentID{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentID)
	}
	return PaymentID{value: trimmed}, nil
}

// String returns the identifier.
func (id PaymentID) String() string {
	return id.value
}

// NewTransactionID validates a credit transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewCurrency validates a three-letter currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != currencyCodeLength {
		return Currency{}, fmt.Errorf("%w: expected %d letters", ErrInvalidCurrency, currencyCodeLength)
	}
	for _, letter := range normalized {
		if letter < 'A' || letter > 'Z' {
			return Currency{}, fmt.Errorf("%w: expected letters only", ErrInvalidCurrency)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the currency code.
func (currency Currency) String() string {
	return currency.value
}

// NewReason validates a transaction reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if len(trimmed) > maxReasonLength {
		return Reason{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidReason, maxReasonLength)
	}
	return Reason{value: trimmed}, nil
}

// String returns the reason.
func (reason Reason) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes a map as metadata.
func MetadataFromMap(values map[string]string) (MetadataJSON, error) {
	if len(values) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a strictly positive credit count.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw credit count.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens the value to Credits.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// NewAmountMinor validates a payment amount.
func NewAmountMinor(raw int64) (AmountMinor, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidAmount)
	}
	return AmountMinor(raw), nil
}

// Int64 returns the raw amount.
func (amount AmountMinor) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates credit transaction kinds.
type TransactionType string

const (
	TransactionAddition  TransactionType = "addition"
	TransactionDeduction TransactionType = "deduction"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionAddition:
		return TransactionAddition, nil
	case TransactionDeduction:
		return TransactionDeduction, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// PaymentStatus defines payment transaction lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
)

// ParsePaymentStatus validates a stored payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch PaymentStatus(strings.TrimSpace(raw)) {
	case PaymentStatusPending:
		return PaymentStatusPending, nil
	case PaymentStatusCompleted:
		return PaymentStatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
}

// String returns the stored representation.
func (status PaymentStatus) String() string {
	return string(status)
}

// Balance view for an account.
type Balance struct {
	Total                Credits
	Used                 Credits
	Remaining            Credits
	LastPaymentAtUnixUTC int64
}

// NewBalance validates the total = used + remaining invariant.
func NewBalance(total, used, remaining int64, lastPaymentAtUnixUTC int64) (Balance, error) {
	if total < 0 || used < 0 || remaining < 0 {
		return Balance{}, fmt.Errorf("%w: negative counter", ErrInvalidBalance)
	}
	if total != used+remaining {
		return Balance{}, fmt.Errorf("%w: total %d != used %d + remaining %d", ErrInvalidBalance, total, used, remaining)
	}
	return Balance{
		Total:                Credits(total),
		Used:                 Credits(used),
		Remaining:            Credits(remaining),
		LastPaymentAtUnixUTC: lastPaymentAtUnixUTC,
	}, nil
}

// CreditTransactionInput is a validated credit transaction ready for insertion.
type CreditTransactionInput struct {
	userID         UserID
	transactionTyp TransactionType
	amount         PositiveCredits
	balanceBefore  Credits
	balanceAfter   Credits
	reason         Reason
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewCreditTransactionInput validates the before/after arithmetic of a ledger entry.
func NewCreditTransactionInput(userID UserID, transactionType TransactionType, amount PositiveCredits, balanceBefore, balanceAfter Credits, reason Reason, metadata MetadataJSON, createdUnixUTC int64) (CreditTransactionInput, error) {
	if userID.IsZero() {
		return CreditTransactionInput{}, ErrInvalidUserID
	}
	if amount <= 0 {
		return CreditTransactionInput{}, ErrInvalidCredits
	}
	if balanceBefore < 0 || balanceAfter < 0 {
		return CreditTransactionInput{}, fmt.Errorf("%w: negative balance", ErrInvalidTransaction)
	}
	if reason.String() == "" {
		return CreditTransactionInput{}, ErrInvalidReason
	}
	if err := checkTransactionArithmetic(transactionType, amount.Int64(), balanceBefore.Int64(), balanceAfter.Int64()); err != nil {
		return CreditTransactionInput{}, err
	}
	return CreditTransactionInput{
		userID:         userID,
		transactionTyp: transactionType,
		amount:         amount,
		balanceBefore:  balanceBefore,
		balanceAfter:   balanceAfter,
		reason:         reason,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func checkTransactionArithmetic(transactionType TransactionType, amount, before, after int64) error {
	switch transactionType {
	case TransactionAddition:
		if after != before+amount {
			return fmt.Errorf("%w: addition %d + %d != %d", ErrInvalidTransaction, before, amount, after)
		}
	case TransactionDeduction:
		if after != before-amount {
			return fmt.Errorf("%w: deduction %d - %d != %d", ErrInvalidTransaction, before, amount, after)
		}
	default:
		return ErrInvalidTransactionType
	}
	return nil
}

func (input CreditTransactionInput) UserID() UserID          { return input.userID }
func (input CreditTransactionInput) Type() TransactionType   { return input.transactionTyp }
func (input CreditTransactionInput) Amount() PositiveCredits { return input.amount }
func (input CreditTransactionInput) BalanceBefore() Credits  { return input.balanceBefore }
func (input CreditTransactionInput) BalanceAfter() Credits   { return input.balanceAfter }
func (input CreditTransactionInput) Reason() Reason          { return input.reason }
func (input CreditTransactionInput) Metadata() MetadataJSON  { return input.metadata }
func (input CreditTransactionInput) CreatedUnixUTC() int64   { return input.createdUnixUTC }

// CreditTransaction is a single immutable line in the credit log.
type CreditTransaction struct {
	Sequence       int64
	TransactionID  TransactionID
	UserID         UserID
	Type           TransactionType
	Amount         PositiveCredits
	BalanceBefore  Credits
	BalanceAfter   Credits
	Reason         Reason
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// SignedAmount returns the amount with deductions negated.
func (transaction CreditTransaction) SignedAmount() int64 {
	if transaction.Type == TransactionDeduction {
		return -transaction.Amount.Int64()
	}
	return transaction.Amount.Int64()
}

// PaymentTransaction is a stored external payment event.
type PaymentTransaction struct {
	PaymentID        PaymentID
	SessionID        ExternalID
	PaymentIntentID  ExternalID
	UserID           UserID
	PlanID           PlanID
	Amount           AmountMinor
	Currency         Currency
	CreditsAdded     Credits
	Status           PaymentStatus
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// PaymentEvent is a validated payment-provider notification.
type PaymentEvent struct {
	sessionID       ExternalID
	paymentIntentID ExternalID
	userID          UserID
	planID          PlanID
	amount          AmountMinor
	currency        Currency
	credits         PositiveCredits
	metadata        MetadataJSON
}

// NewPaymentEvent validates a payment event; at least one external identifier is required.
func NewPaymentEvent(sessionID, paymentIntentID ExternalID, userID UserID, planID PlanID, amount AmountMinor, currency Currency, credits PositiveCredits, metadata MetadataJSON) (PaymentEvent, error) {
	event, err := NewPendingPaymentEvent(sessionID, paymentIntentID, userID, planID, amount, currency, metadata)
	if err != nil {
		return PaymentEvent{}, err
	}
	if credits <= 0 {
		return PaymentEvent{}, ErrInvalidCredits
	}
	event.credits = credits
	return event, nil
}

// NewPendingPaymentEvent validates an event for a checkout that has not been paid. It carries no credits,
// so Reconcile rejects it.
func NewPendingPaymentEvent(sessionID, paymentIntentID ExternalID, userID UserID, planID PlanID, amount AmountMinor, currency Currency, metadata MetadataJSON) (PaymentEvent, error) {
	if sessionID.IsZero() && paymentIntentID.IsZero() {
		return PaymentEvent{}, ErrMissingExternalID
	}
	if userID.IsZero() {
		return PaymentEvent{}, ErrInvalidUserID
	}
	if planID.String() == "" {
		return PaymentEvent{}, ErrInvalidPlanID
	}
	if amount < 0 {
		return PaymentEvent{}, ErrInvalidAmount
	}
	if currency.String() == "" {
		return PaymentEvent{}, ErrInvalidCurrency
	}
	return PaymentEvent{
		sessionID:       sessionID,
		paymentIntentID: paymentIntentID,
		userID:          userID,
		planID:          planID,
		amount:          amount,
		currency:        currency,
		metadata:        metadata,
	}, nil
}

func (event PaymentEvent) SessionID() ExternalID       { return event.sessionID }
func (event PaymentEvent) PaymentIntentID() ExternalID { return event.paymentIntentID }
func (event PaymentEvent) UserID() UserID              { return event.userID }
func (event PaymentEvent) PlanID() PlanID              { return event.planID }
func (event PaymentEvent) Amount() AmountMinor         { return event.amount }
func (event PaymentEvent) Currency() Currency          { return event.currency }
func (event PaymentEvent) Credits() PositiveCredits    { return event.credits }
func (event PaymentEvent) Metadata() MetadataJSON      { return event.metadata }

// PaymentInput is a payment row ready for insertion or completion.
type PaymentInput struct {
	SessionID        ExternalID
	PaymentIntentID  ExternalID
	UserID           UserID
	PlanID           PlanID
	Amount           AmountMinor
	Currency         Currency
	CreditsAdded     Credits
	Status           PaymentStatus
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// ReconcileResult reports the outcome of a payment reconciliation.
// UserID and Balance belong to the stored payment, which for a duplicate may differ from the event's user.
type ReconcileResult struct {
	PaymentID    PaymentID
	UserID       UserID
	WasDuplicate bool
	Balance      Balance
}

// ReplayReport summarizes a replay of a user's credit transactions.
// Unexplained is remaining credits not accounted for by the log; BrokenAt is the sequence of the
// first entry that does not continue the previous balance_after.
type ReplayReport struct {
	UserID       UserID
	Transactions int
	NetCredits   int64
	Remaining    Credits
	Unexplained  int64
	BrokenAt     int64
	Consistent   bool
}
