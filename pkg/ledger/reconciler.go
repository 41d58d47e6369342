package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Reconciler turns external payment events into exactly one ledger grant each.
type Reconciler struct {
	store  Store
	nowFn  func() int64
	locker Locker
	logger OperationLogger
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, now func() int64, options ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Reconcile records a completed payment and grants its credits once. Redelivery of an event matching
// either stored identifier returns WasDuplicate without touching the balance.
func (reconciler *Reconciler) Reconcile(ctx context.Context, event PaymentEvent) (ReconcileResult, error) {
	var result ReconcileResult
	operationError := reconciler.withLock(ctx, event, func() error {
		if event.Credits() <= 0 {
			return fmt.Errorf("%w: completed payment must grant credits", ErrInvalidCredits)
		}
		var attemptError error
		for attempt := 0; attempt < reconcileMaxAttempts; attempt++ {
			result, attemptError = reconciler.reconcileOnce(ctx, event)
			if !errors.Is(attemptError, ErrPaymentConflict) {
				break
			}
		}
		if errors.Is(attemptError, ErrPaymentConflict) {
			return fmt.Errorf("%w: %w", ErrStorageConflict, attemptError)
		}
		return attemptError
	})
	entry := OperationLog{
		Operation: operationReconcile,
		UserID:    event.UserID(),
		PaymentID: result.PaymentID,
		Amount:    event.Credits().Int64(),
		Metadata:  event.Metadata(),
		Error:     operationError,
	}
	if operationError == nil && result.WasDuplicate {
		entry.Status = operationStatusDuplicate
	}
	emitOperation(ctx, reconciler.logger, entry)
	if operationError != nil {
		return ReconcileResult{}, operationError
	}
	return result, nil
}

func (reconciler *Reconciler) reconcileOnce(ctx context.Context, event PaymentEvent) (ReconcileResult, error) {
	var result ReconcileResult
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.FindPayment(ctx, event.SessionID(), event.PaymentIntentID())
		if err != nil {
			return err
		}
		if found && existing.Status == PaymentStatusCompleted {
			balance, _, err := transactionStore.GetBalance(ctx, existing.UserID)
			if err != nil {
				return err
			}
			result = ReconcileResult{PaymentID: existing.PaymentID, UserID: existing.UserID, WasDuplicate: true, Balance: balance}
			return nil
		}
		nowUnixUTC := reconciler.nowFn()
		input := completedPaymentInput(event, nowUnixUTC)
		var payment PaymentTransaction
		if found {
			input.SessionID = preferExternalID(existing.SessionID, event.SessionID())
			input.PaymentIntentID = preferExternalID(existing.PaymentIntentID, event.PaymentIntentID())
			input.UserID = existing.UserID
			input.CreatedUnixUTC = existing.CreatedUnixUTC
			payment, err = transactionStore.CompletePayment(ctx, existing.PaymentID, input)
		} else {
			payment, err = transactionStore.InsertPayment(ctx, input)
		}
		if err != nil {
			return err
		}
		metadata, err := paymentGrantMetadata(payment)
		if err != nil {
			return err
		}
		reason, err := NewReason(ReasonPayment)
		if err != nil {
			return err
		}
		balance, err := applyGrant(ctx, transactionStore, payment.UserID, event.Credits(), reason, metadata, nowUnixUTC, nowUnixUTC)
		if err != nil {
			return err
		}
		result = ReconcileResult{PaymentID: payment.PaymentID, UserID: payment.UserID, Balance: balance}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

// FindPayment returns the stored payment matching either identifier without modifying anything.
func (reconciler *Reconciler) FindPayment(ctx context.Context, sessionID ExternalID, paymentIntentID ExternalID) (PaymentTransaction, bool, error) {
	if sessionID.IsZero() && paymentIntentID.IsZero() {
		return PaymentTransaction{}, false, ErrMissingExternalID
	}
	var (
		payment PaymentTransaction
		found   bool
	)
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		payment, found, err = transactionStore.FindPayment(ctx, sessionID, paymentIntentID)
		return err
	})
	if err != nil {
		return PaymentTransaction{}, false, err
	}
	return payment, found, nil
}

// RecordPending stores a pending payment for a checkout that has not been paid yet.
// An existing record matching either identifier is returned unchanged.
func (reconciler *Reconciler) RecordPending(ctx context.Context, event PaymentEvent) (PaymentTransaction, error) {
	var payment PaymentTransaction
	var operationError error
	for attempt := 0; attempt < reconcileMaxAttempts; attempt++ {
		payment, operationError = reconciler.recordPendingOnce(ctx, event)
		if !errors.Is(operationError, ErrPaymentConflict) {
			break
		}
	}
	if errors.Is(operationError, ErrPaymentConflict) {
		operationError = fmt.Errorf("%w: %w", ErrStorageConflict, operationError)
	}
	emitOperation(ctx, reconciler.logger, OperationLog{
		Operation: operationPending,
		UserID:    event.UserID(),
		PaymentID: payment.PaymentID,
		Metadata:  event.Metadata(),
		Error:     operationError,
	})
	if operationError != nil {
		return PaymentTransaction{}, operationError
	}
	return payment, nil
}

func (reconciler *Reconciler) recordPendingOnce(ctx context.Context, event PaymentEvent) (PaymentTransaction, error) {
	var payment PaymentTransaction
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.FindPayment(ctx, event.SessionID(), event.PaymentIntentID())
		if err != nil {
			return err
		}
		if found {
			payment = existing
			return nil
		}
		payment, err = transactionStore.InsertPayment(ctx, PaymentInput{
			SessionID:       event.SessionID(),
			PaymentIntentID: event.PaymentIntentID(),
			UserID:          event.UserID(),
			PlanID:          event.PlanID(),
			Amount:          event.Amount(),
			Currency:        event.Currency(),
			Status:          PaymentStatusPending,
			CreatedUnixUTC:  reconciler.nowFn(),
		})
		return err
	})
	if err != nil {
		return PaymentTransaction{}, err
	}
	return payment, nil
}

func (reconciler *Reconciler) withLock(ctx context.Context, event PaymentEvent, fn func() error) error {
	if reconciler.locker == nil {
		return fn()
	}
	unlock, err := reconciler.locker.Acquire(ctx, lockKey(event))
	if err != nil {
		return err
	}
	runErr := fn()
	if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil && runErr == nil {
		return WrapError("reconcile", "lock", "release", unlockErr)
	}
	return runErr
}

func lockKey(event PaymentEvent) string {
	return lockKeyPrefix + lockKeyDelimiter + event.SessionID().String() + lockKeyDelimiter + event.PaymentIntentID().String()
}

func completedPaymentInput(event PaymentEvent, nowUnixUTC int64) PaymentInput {
	return PaymentInput{
		SessionID:        event.SessionID(),
		PaymentIntentID:  event.PaymentIntentID(),
		UserID:           event.UserID(),
		PlanID:           event.PlanID(),
		Amount:           event.Amount(),
		Currency:         event.Currency(),
		CreditsAdded:     event.Credits().ToCredits(),
		Status:           PaymentStatusCompleted,
		CreatedUnixUTC:   nowUnixUTC,
		CompletedUnixUTC: nowUnixUTC,
	}
}

func preferExternalID(stored ExternalID, incoming ExternalID) ExternalID {
	if !stored.IsZero() {
		return stored
	}
	return incoming
}

func paymentGrantMetadata(payment PaymentTransaction) (MetadataJSON, error) {
	values := map[string]string{
		metadataKeyPaymentID: payment.PaymentID.String(),
		metadataKeyPlanID:    payment.PlanID.String(),
	}
	if !payment.SessionID.IsZero() {
		values[metadataKeySessionID] = payment.SessionID.String()
	}
	if !payment.PaymentIntentID.IsZero() {
		values[metadataKeyPaymentIntentID] = payment.PaymentIntentID.String()
	}
	return MetadataFromMap(values)
}
