package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

const (
	stubMethodGetBalance      = "get_balance"
	stubMethodEnsureBalance   = "ensure_balance"
	stubMethodIncrement       = "increment_balance"
	stubMethodDecrement       = "decrement_balance"
	stubMethodInsertCredit    = "insert_credit_transaction"
	stubMethodListCredits     = "list_credit_transactions"
	stubMethodReplayCredits   = "replay_credit_transactions"
	stubMethodFindPayment     = "find_payment"
	stubMethodInsertPayment   = "insert_payment"
	stubMethodCompletePayment = "complete_payment"
)

type stubState struct {
	balances     map[UserID]Balance
	transactions []CreditTransaction
	payments     []PaymentTransaction
	sequence     int64
	paymentSeq   int64
}

func (state *stubState) clone() *stubState {
	balances := make(map[UserID]Balance, len(state.balances))
	for userID, balance := range state.balances {
		balances[userID] = balance
	}
	return &stubState{
		balances:     balances,
		transactions: append([]CreditTransaction(nil), state.transactions...),
		payments:     append([]PaymentTransaction(nil), state.payments...),
		sequence:     state.sequence,
		paymentSeq:   state.paymentSeq,
	}
}

// stubStore serializes transactions and rolls back state when the callback fails.
type stubStore struct {
	mu        sync.Mutex
	state     *stubState
	failures  map[string]error
	conflicts int
	// raceWinner is committed outside the running transaction on the next InsertPayment,
	// which then reports a conflict.
	raceWinner *PaymentTransaction
	txCount    int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		state:    &stubState{balances: make(map[UserID]Balance)},
		failures: make(map[string]error),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.txCount++
	snapshot := store.state.clone()
	transaction := &stubTx{store: store, state: snapshot}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.state = snapshot
	return nil
}

func (store *stubStore) direct() *stubTx {
	return &stubTx{store: store, state: store.state}
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Balance, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().GetBalance(ctx, userID)
}

func (store *stubStore) EnsureBalance(ctx context.Context, userID UserID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().EnsureBalance(ctx, userID)
}

func (store *stubStore) IncrementBalance(ctx context.Context, userID UserID, amount PositiveCredits, paymentAtUnixUTC int64) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().IncrementBalance(ctx, userID, amount, paymentAtUnixUTC)
}

func (store *stubStore) DecrementBalance(ctx context.Context, userID UserID, amount PositiveCredits) (Balance, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().DecrementBalance(ctx, userID, amount)
}

func (store *stubStore) InsertCreditTransaction(ctx context.Context, input CreditTransactionInput) (CreditTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().InsertCreditTransaction(ctx, input)
}

func (store *stubStore) ListCreditTransactions(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]CreditTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ListCreditTransactions(ctx, userID, beforeSequence, limit)
}

func (store *stubStore) ReplayCreditTransactions(ctx context.Context, userID UserID) ([]CreditTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ReplayCreditTransactions(ctx, userID)
}

func (store *stubStore) FindPayment(ctx context.Context, sessionID ExternalID, paymentIntentID ExternalID) (PaymentTransaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().FindPayment(ctx, sessionID, paymentIntentID)
}

func (store *stubStore) InsertPayment(ctx context.Context, input PaymentInput) (PaymentTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().InsertPayment(ctx, input)
}

func (store *stubStore) CompletePayment(ctx context.Context, paymentID PaymentID, input PaymentInput) (PaymentTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().CompletePayment(ctx, paymentID, input)
}

func (store *stubStore) setBalance(test *testing.T, userID UserID, total, used, remaining int64) {
	test.Helper()
	balance, err := NewBalance(total, used, remaining, 0)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.balances[userID] = balance
}

func (store *stubStore) snapshot() *stubState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.clone()
}

func (store *stubStore) transactionsFor(userID UserID) []CreditTransaction {
	var matched []CreditTransaction
	for _, transaction := range store.snapshot().transactions {
		if transaction.UserID == userID {
			matched = append(matched, transaction)
		}
	}
	return matched
}

// stubTx operates on a state without locking; the owning stubStore holds the mutex.
type stubTx struct {
	store *stubStore
	state *stubState
}

func (tx *stubTx) failure(method string) error {
	return tx.store.failures[method]
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetBalance(ctx context.Context, userID UserID) (Balance, bool, error) {
	if err := tx.failure(stubMethodGetBalance); err != nil {
		return Balance{}, false, err
	}
	balance, ok := tx.state.balances[userID]
	return balance, ok, nil
}

func (tx *stubTx) EnsureBalance(ctx context.Context, userID UserID) error {
	if err := tx.failure(stubMethodEnsureBalance); err != nil {
		return err
	}
	if _, ok := tx.state.balances[userID]; !ok {
		tx.state.balances[userID] = Balance{}
	}
	return nil
}

func (tx *stubTx) IncrementBalance(ctx context.Context, userID UserID, amount PositiveCredits, paymentAtUnixUTC int64) (Balance, error) {
	if err := tx.failure(stubMethodIncrement); err != nil {
		return Balance{}, err
	}
	balance, ok := tx.state.balances[userID]
	if !ok {
		return Balance{}, fmt.Errorf("missing balance row for %s", userID.String())
	}
	balance.Total += amount.ToCredits()
	balance.Remaining += amount.ToCredits()
	if paymentAtUnixUTC != 0 {
		balance.LastPaymentAtUnixUTC = paymentAtUnixUTC
	}
	tx.state.balances[userID] = balance
	return balance, nil
}

func (tx *stubTx) DecrementBalance(ctx context.Context, userID UserID, amount PositiveCredits) (Balance, bool, error) {
	if err := tx.failure(stubMethodDecrement); err != nil {
		return Balance{}, false, err
	}
	balance, ok := tx.state.balances[userID]
	if !ok || balance.Remaining < amount.ToCredits() {
		return Balance{}, false, nil
	}
	balance.Remaining -= amount.ToCredits()
	balance.Used += amount.ToCredits()
	tx.state.balances[userID] = balance
	return balance, true, nil
}

func (tx *stubTx) InsertCreditTransaction(ctx context.Context, input CreditTransactionInput) (CreditTransaction, error) {
	if err := tx.failure(stubMethodInsertCredit); err != nil {
		return CreditTransaction{}, err
	}
	tx.state.sequence++
	transaction := CreditTransaction{
		Sequence:       tx.state.sequence,
		TransactionID:  TransactionID{value: fmt.Sprintf("txn-%d", tx.state.sequence)},
		UserID:         input.UserID(),
		Type:           input.Type(),
		Amount:         input.Amount(),
		BalanceBefore:  input.BalanceBefore(),
		BalanceAfter:   input.BalanceAfter(),
		Reason:         input.Reason(),
		Metadata:       input.Metadata(),
		CreatedUnixUTC: input.CreatedUnixUTC(),
	}
	tx.state.transactions = append(tx.state.transactions, transaction)
	return transaction, nil
}

func (tx *stubTx) ListCreditTransactions(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]CreditTransaction, error) {
	if err := tx.failure(stubMethodListCredits); err != nil {
		return nil, err
	}
	var matched []CreditTransaction
	for index := len(tx.state.transactions) - 1; index >= 0; index-- {
		transaction := tx.state.transactions[index]
		if transaction.UserID != userID {
			continue
		}
		if beforeSequence > 0 && transaction.Sequence >= beforeSequence {
			continue
		}
		matched = append(matched, transaction)
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (tx *stubTx) ReplayCreditTransactions(ctx context.Context, userID UserID) ([]CreditTransaction, error) {
	if err := tx.failure(stubMethodReplayCredits); err != nil {
		return nil, err
	}
	var matched []CreditTransaction
	for _, transaction := range tx.state.transactions {
		if transaction.UserID == userID {
			matched = append(matched, transaction)
		}
	}
	sort.Slice(matched, func(left, right int) bool { return matched[left].Sequence < matched[right].Sequence })
	return matched, nil
}

func (tx *stubTx) FindPayment(ctx context.Context, sessionID ExternalID, paymentIntentID ExternalID) (PaymentTransaction, bool, error) {
	if err := tx.failure(stubMethodFindPayment); err != nil {
		return PaymentTransaction{}, false, err
	}
	var found PaymentTransaction
	var ok bool
	for _, payment := range tx.state.payments {
		if !matchesPayment(payment, sessionID, paymentIntentID) {
			continue
		}
		if !ok || payment.Status == PaymentStatusCompleted {
			found = payment
			ok = true
		}
	}
	return found, ok, nil
}

func matchesPayment(payment PaymentTransaction, sessionID ExternalID, paymentIntentID ExternalID) bool {
	if !sessionID.IsZero() && payment.SessionID == sessionID {
		return true
	}
	return !paymentIntentID.IsZero() && payment.PaymentIntentID == paymentIntentID
}

func (tx *stubTx) InsertPayment(ctx context.Context, input PaymentInput) (PaymentTransaction, error) {
	if err := tx.failure(stubMethodInsertPayment); err != nil {
		return PaymentTransaction{}, err
	}
	if winner := tx.store.raceWinner; winner != nil {
		tx.store.state.payments = append(tx.store.state.payments, *winner)
		tx.store.raceWinner = nil
		return PaymentTransaction{}, ErrPaymentConflict
	}
	if tx.store.conflicts > 0 {
		tx.store.conflicts--
		return PaymentTransaction{}, ErrPaymentConflict
	}
	for _, payment := range tx.state.payments {
		if matchesPayment(payment, input.SessionID, input.PaymentIntentID) {
			return PaymentTransaction{}, ErrPaymentConflict
		}
	}
	tx.state.paymentSeq++
	payment := paymentFromInput(PaymentID{value: fmt.Sprintf("pay-%d", tx.state.paymentSeq)}, input)
	tx.state.payments = append(tx.state.payments, payment)
	return payment, nil
}

func (tx *stubTx) CompletePayment(ctx context.Context, paymentID PaymentID, input PaymentInput) (PaymentTransaction, error) {
	if err := tx.failure(stubMethodCompletePayment); err != nil {
		return PaymentTransaction{}, err
	}
	for index, payment := range tx.state.payments {
		if payment.PaymentID == paymentID {
			updated := paymentFromInput(paymentID, input)
			tx.state.payments[index] = updated
			return updated, nil
		}
	}
	return PaymentTransaction{}, ErrUnknownPayment
}

func paymentFromInput(paymentID PaymentID, input PaymentInput) PaymentTransaction {
	return PaymentTransaction{
		PaymentID:        paymentID,
		SessionID:        input.SessionID,
		PaymentIntentID:  input.PaymentIntentID,
		UserID:           input.UserID,
		PlanID:           input.PlanID,
		Amount:           input.Amount,
		Currency:         input.Currency,
		CreditsAdded:     input.CreditsAdded,
		Status:           input.Status,
		CreatedUnixUTC:   input.CreatedUnixUTC,
		CompletedUnixUTC: input.CompletedUnixUTC,
	}
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

func fixedClock(unixUTC int64) func() int64 {
	return func() int64 { return unixUTC }
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock(1700000000), options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func mustNewReconciler(test *testing.T, store Store, options ...ReconcilerOption) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(store, fixedClock(1700000000), options...)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	return reconciler
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustExternalID(test *testing.T, raw string) ExternalID {
	test.Helper()
	externalID, err := NewExternalID(raw)
	if err != nil {
		test.Fatalf("external id: %v", err)
	}
	return externalID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	credits, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return credits
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	reason, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return reason
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPaymentEvent(test *testing.T, userID UserID, sessionID string, paymentIntentID string, credits int64) PaymentEvent {
	test.Helper()
	planID, err := NewPlanID("starter")
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	amount, err := NewAmountMinor(999)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	currency, err := NewCurrency("usd")
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	event, err := NewPaymentEvent(
		mustExternalID(test, sessionID),
		mustExternalID(test, paymentIntentID),
		userID,
		planID,
		amount,
		currency,
		mustPositiveCredits(test, credits),
		mustMetadata(test, ""),
	)
	if err != nil {
		test.Fatalf("payment event: %v", err)
	}
	return event
}
