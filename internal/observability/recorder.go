package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricLedgerOperations = "revoledger_ledger_operations_total"
	metricContentInserts   = "revoledger_content_inserts_total"
	labelOperation         = "operation"
	labelStatus            = "status"
	labelOutcome           = "outcome"
	outcomeError           = "error"
)

// OperationRecorder logs ledger and content operations and counts them.
type OperationRecorder struct {
	logger           *zap.Logger
	ledgerOperations *prometheus.CounterVec
	contentInserts   *prometheus.CounterVec
}

// NewOperationRecorder registers the operation counters on registerer.
// A nil registerer falls back to prometheus.DefaultRegisterer and a nil logger to zap.NewNop.
func NewOperationRecorder(logger *zap.Logger, registerer prometheus.Registerer) (*OperationRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	ledgerOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricLedgerOperations,
		Help: "Ledger operations by operation and status.",
	}, []string{labelOperation, labelStatus})
	contentInserts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricContentInserts,
		Help: "Generated content insert attempts by outcome.",
	}, []string{labelOutcome})
	for _, collector := range []prometheus.Collector{ledgerOperations, contentInserts} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return &OperationRecorder{
		logger:           logger,
		ledgerOperations: ledgerOperations,
		contentInserts:   contentInserts,
	}, nil
}

// LogOperation implements ledger.OperationLogger.
func (recorder *OperationRecorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason.String()),
		zap.String("status", entry.Status),
	}
	if paymentID := entry.PaymentID.String(); paymentID != "" {
		fields = append(fields, zap.String("payment_id", paymentID))
	}
	if entry.Error != nil {
		recorder.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	recorder.logger.Info("ledger operation", fields...)
}

// LogContentOperation implements content.OperationLogger.
func (recorder *OperationRecorder) LogContentOperation(_ context.Context, entry content.OperationLog) {
	outcome := string(entry.Outcome)
	if entry.Error != nil {
		outcome = outcomeError
	}
	recorder.contentInserts.WithLabelValues(outcome).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("platform", entry.Platform.String()),
		zap.String("content_hash", entry.ContentHash.String()),
		zap.String("outcome", outcome),
	}
	if contentID := entry.ContentID.String(); contentID != "" {
		fields = append(fields, zap.String("content_id", contentID))
	}
	if entry.Error != nil {
		recorder.logger.Warn("content insert failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	recorder.logger.Debug("content insert", fields...)
}
