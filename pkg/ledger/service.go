package ledger

import (
	"context"
	"fmt"
)

// Service contains the credit ledger logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the stored balance, or a zero balance for unknown users.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, ErrInvalidUserID
	}
	balance, found, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if !found {
		return Balance{}, nil
	}
	return balance, nil
}

// Grant adds credits and appends an addition transaction.
func (service *Service) Grant(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason, metadata MetadataJSON) (Balance, error) {
	var balance Balance
	operationError := validateMutation(userID, amount, reason)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			updated, err := applyGrant(ctx, transactionStore, userID, amount, reason, metadata, service.nowFn(), 0)
			if err != nil {
				return err
			}
			balance = updated
			return nil
		})
	}
	emitOperation(ctx, service.logger, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Amount:    amount.Int64(),
		Reason:    reason,
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// Consume deducts credits if the remaining balance covers amount.
func (service *Service) Consume(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason, metadata MetadataJSON) (Balance, error) {
	var balance Balance
	operationError := validateMutation(userID, amount, reason)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			updated, applied, err := transactionStore.DecrementBalance(ctx, userID, amount)
			if err != nil {
				return err
			}
			if !applied {
				return ErrInsufficientCredits
			}
			before := updated.Remaining + amount.ToCredits()
			transactionInput, err := NewCreditTransactionInput(
				userID,
				TransactionDeduction,
				amount,
				before,
				updated.Remaining,
				reason,
				metadata,
				service.nowFn(),
			)
			if err != nil {
				return err
			}
			if _, err := transactionStore.InsertCreditTransaction(ctx, transactionInput); err != nil {
				return err
			}
			balance = updated
			return nil
		})
	}
	emitOperation(ctx, service.logger, OperationLog{
		Operation: operationConsume,
		UserID:    userID,
		Amount:    amount.Int64(),
		Reason:    reason,
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// ListTransactions lists credit transactions newest first, before an optional sequence cursor.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]CreditTransaction, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	if beforeSequence < 0 {
		return nil, fmt.Errorf("%w: negative cursor", ErrInvalidTransactionLimit)
	}
	normalizedLimit, err := normalizeTransactionLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListCreditTransactions(ctx, userID, beforeSequence, normalizedLimit)
}

// Replay rebuilds the remaining balance from the transaction log and reports whether it matches.
func (service *Service) Replay(ctx context.Context, userID UserID) (ReplayReport, error) {
	if userID.IsZero() {
		return ReplayReport{}, ErrInvalidUserID
	}
	var report ReplayReport
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transactions, err := transactionStore.ReplayCreditTransactions(ctx, userID)
		if err != nil {
			return err
		}
		balance, _, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		report = buildReplayReport(userID, transactions, balance)
		return nil
	})
	if err != nil {
		return ReplayReport{}, err
	}
	return report, nil
}

func buildReplayReport(userID UserID, transactions []CreditTransaction, balance Balance) ReplayReport {
	report := ReplayReport{
		UserID:       userID,
		Transactions: len(transactions),
		Remaining:    balance.Remaining,
	}
	var running int64
	for _, transaction := range transactions {
		chainBroken := transaction.BalanceBefore.Int64() != running
		arithmeticBroken := checkTransactionArithmetic(transaction.Type, transaction.Amount.Int64(), transaction.BalanceBefore.Int64(), transaction.BalanceAfter.Int64()) != nil
		if (chainBroken || arithmeticBroken) && report.BrokenAt == 0 {
			report.BrokenAt = transaction.Sequence
		}
		report.NetCredits += transaction.SignedAmount()
		running = transaction.BalanceAfter.Int64()
	}
	report.Unexplained = balance.Remaining.Int64() - report.NetCredits
	report.Consistent = report.BrokenAt == 0 && report.Unexplained == 0
	return report
}

// applyGrant must run inside a store transaction.
func applyGrant(ctx context.Context, transactionStore Store, userID UserID, amount PositiveCredits, reason Reason, metadata MetadataJSON, nowUnixUTC int64, paymentAtUnixUTC int64) (Balance, error) {
	if err := transactionStore.EnsureBalance(ctx, userID); err != nil {
		return Balance{}, err
	}
	updated, err := transactionStore.IncrementBalance(ctx, userID, amount, paymentAtUnixUTC)
	if err != nil {
		return Balance{}, err
	}
	before := updated.Remaining - amount.ToCredits()
	transactionInput, err := NewCreditTransactionInput(
		userID,
		TransactionAddition,
		amount,
		before,
		updated.Remaining,
		reason,
		metadata,
		nowUnixUTC,
	)
	if err != nil {
		return Balance{}, err
	}
	if _, err := transactionStore.InsertCreditTransaction(ctx, transactionInput); err != nil {
		return Balance{}, err
	}
	return updated, nil
}

func validateMutation(userID UserID, amount PositiveCredits, reason Reason) error {
	if userID.IsZero() {
		return ErrInvalidUserID
	}
	if amount <= 0 {
		return ErrInvalidCredits
	}
	if reason.String() == "" {
		return ErrInvalidReason
	}
	return nil
}

func normalizeTransactionLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: negative limit", ErrInvalidTransactionLimit)
	case limit == 0:
		return DefaultTransactionLimit, nil
	case limit > MaxTransactionLimit:
		return MaxTransactionLimit, nil
	default:
		return limit, nil
	}
}
