package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
)

const operationInsert = "insert_content"

// OperationLogger receives one entry per InsertIfNew call.
type OperationLogger interface {
	LogContentOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes an InsertIfNew outcome.
type OperationLog struct {
	Operation   string
	UserID      ledger.UserID
	Platform    Platform
	ContentID   ContentID
	ContentHash ContentHash
	Outcome     Outcome
	Error       error
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithOperationLogger wires a logger for insert outcomes.
func WithOperationLogger(logger OperationLogger) Option {
	return func(deduplicator *Deduplicator) {
		deduplicator.logger = logger
	}
}

// Deduplicator inserts generated content at most once per key.
type Deduplicator struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewDeduplicator wires a Deduplicator.
func NewDeduplicator(store Store, now func() int64, options ...Option) (*Deduplicator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	deduplicator := &Deduplicator{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(deduplicator)
		}
	}
	return deduplicator, nil
}

// InsertIfNew stores text unless the same user already stored it for the platform.
// A duplicate refreshes updated_at and returns the existing id.
func (deduplicator *Deduplicator) InsertIfNew(ctx context.Context, userID ledger.UserID, platform Platform, text Text, metadata ledger.MetadataJSON) (InsertResult, error) {
	var result InsertResult
	operationError := validateInsert(userID, platform, text)
	if operationError == nil {
		hash := Hash(userID, platform, text)
		result, operationError = deduplicator.insertOnce(ctx, userID, platform, text, hash, metadata)
		if errors.Is(operationError, ErrContentConflict) {
			result, operationError = deduplicator.insertOnce(ctx, userID, platform, text, hash, metadata)
			if errors.Is(operationError, ErrContentConflict) {
				operationError = fmt.Errorf("%w: %w", ledger.ErrStorageConflict, operationError)
			}
		}
	}
	if deduplicator.logger != nil {
		deduplicator.logger.LogContentOperation(ctx, OperationLog{
			Operation:   operationInsert,
			UserID:      userID,
			Platform:    platform,
			ContentID:   result.ContentID,
			ContentHash: result.ContentHash,
			Outcome:     result.Outcome,
			Error:       operationError,
		})
	}
	if operationError != nil {
		return InsertResult{}, operationError
	}
	return result, nil
}

func (deduplicator *Deduplicator) insertOnce(ctx context.Context, userID ledger.UserID, platform Platform, text Text, hash ContentHash, metadata ledger.MetadataJSON) (InsertResult, error) {
	var result InsertResult
	err := deduplicator.store.WithContentTx(ctx, func(ctx context.Context, txStore Store) error {
		nowUnixUTC := deduplicator.nowFn()
		existing, found, err := txStore.FindContent(ctx, userID, hash, platform)
		if err != nil {
			return err
		}
		if found {
			if err := txStore.TouchContent(ctx, existing.ContentID, nowUnixUTC); err != nil {
				return err
			}
			result = InsertResult{Outcome: OutcomeDuplicate, ContentID: existing.ContentID, ContentHash: hash}
			return nil
		}
		record, err := txStore.InsertContent(ctx, Input{
			UserID:         userID,
			Platform:       platform,
			ContentHash:    hash,
			Text:           text,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		result = InsertResult{Outcome: OutcomeInserted, ContentID: record.ContentID, ContentHash: hash}
		return nil
	})
	if err != nil {
		return InsertResult{}, err
	}
	return result, nil
}

func validateInsert(userID ledger.UserID, platform Platform, text Text) error {
	if userID.IsZero() {
		return ledger.ErrInvalidUserID
	}
	if platform.String() == "" {
		return ErrInvalidPlatform
	}
	if text.String() == "" {
		return ErrInvalidContent
	}
	return nil
}
