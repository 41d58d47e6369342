package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// ReconcilerOption configures a Reconciler instance.
type ReconcilerOption func(*Reconciler)

// OperationLogger records domain-level events emitted by Service and Reconciler operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	PaymentID PaymentID
	Amount    int64
	Reason    Reason
	Metadata  MetadataJSON
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithReconcileLogger wires a logger for reconciliation outcomes.
func WithReconcileLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// WithLocker serializes reconciliation of the same payment identifiers across processes.
func WithLocker(locker Locker) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.locker = locker
	}
}

func emitOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
