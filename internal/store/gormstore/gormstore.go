package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPaymentSession    = "uniq_payment_session"
	constraintPaymentIntent     = "uniq_payment_intent"
	constraintContentKey        = "uniq_generated_content_key"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	sqliteConstraintUnique      = 2067
	sqliteConstraintPrimaryKey  = 1555
	sqliteUniqueMessageFragment = "UNIQUE constraint failed"
	completedFirstOrder         = "CASE WHEN status = 'completed' THEN 0 ELSE 1 END, created_at ASC"
	errorOperationStore         = "store"
	errorSubjectBalance         = "balance"
	errorSubjectTransaction     = "transaction"
	errorSubjectPayment         = "payment"
	errorSubjectContent         = "content"
	errorCodeComplete           = "complete"
	errorCodeDecrement          = "decrement"
	errorCodeDuplicate          = "duplicate"
	errorCodeEnsure             = "ensure"
	errorCodeGet                = "get"
	errorCodeIncrement          = "increment"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeTouch              = "touch"
)

// Store implements ledger.Store and content.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// WithContentTx executes fn within a transaction.
func (store *Store) WithContentTx(ctx context.Context, fn func(ctx context.Context, txStore content.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, bool, error) {
	var row AccountBalance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := mapBalance(row)
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, true, nil
}

func (store *Store) EnsureBalance(ctx context.Context, userID ledger.UserID) error {
	row := AccountBalance{UserID: userID.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, paymentAtUnixUTC int64) (ledger.Balance, error) {
	updates := map[string]interface{}{
		"total_credits":     gorm.Expr("total_credits + ?", amount.Int64()),
		"remaining_credits": gorm.Expr("remaining_credits + ?", amount.Int64()),
	}
	if paymentAtUnixUTC != 0 {
		updates["last_payment_at"] = time.Unix(paymentAtUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("user_id = ?", userID.String()).
		Updates(updates)
	if result.Error != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrInvalidBalance)
	}
	return store.readBalance(ctx, userID, errorCodeIncrement)
}

func (store *Store) DecrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits) (ledger.Balance, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("user_id = ? AND remaining_credits >= ?", userID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"remaining_credits": gorm.Expr("remaining_credits - ?", amount.Int64()),
			"used_credits":      gorm.Expr("used_credits + ?", amount.Int64()),
		})
	if result.Error != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Balance{}, false, nil
	}
	balance, err := store.readBalance(ctx, userID, errorCodeDecrement)
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return balance, true, nil
}

func (store *Store) readBalance(ctx context.Context, userID ledger.UserID, code string) (ledger.Balance, error) {
	balance, found, err := store.GetBalance(ctx, userID)
	if err != nil {
		return ledger.Balance{}, err
	}
	if !found {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, ledger.ErrInvalidBalance)
	}
	return balance, nil
}

func (store *Store) InsertCreditTransaction(ctx context.Context, input ledger.CreditTransactionInput) (ledger.CreditTransaction, error) {
	row := CreditTransaction{
		UserID:        input.UserID().String(),
		Type:          input.Type().String(),
		Amount:        input.Amount().Int64(),
		BalanceBefore: input.BalanceBefore().Int64(),
		BalanceAfter:  input.BalanceAfter().Int64(),
		Reason:        input.Reason().String(),
		Metadata:      datatypesJSON(input.Metadata().String()),
		CreatedAt:     unixToTime(input.CreatedUnixUTC()),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapCreditTransaction(row)
	if err != nil {
		return ledger.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListCreditTransactions(ctx context.Context, userID ledger.UserID, beforeSequence int64, limit int) ([]ledger.CreditTransaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}
	var rows []CreditTransaction
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapCreditTransactions(rows)
}

func (store *Store) ReplayCreditTransactions(ctx context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapCreditTransactions(rows)
}

func (store *Store) FindPayment(ctx context.Context, sessionID ledger.ExternalID, paymentIntentID ledger.ExternalID) (ledger.PaymentTransaction, bool, error) {
	if sessionID.IsZero() && paymentIntentID.IsZero() {
		return ledger.PaymentTransaction{}, false, wrapStoreError(errorSubjectPayment, errorCodeLookup, ledger.ErrMissingExternalID)
	}
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	switch {
	case !sessionID.IsZero() && !paymentIntentID.IsZero():
		query = query.Where("external_session_id = ? OR external_payment_intent_id = ?", sessionID.String(), paymentIntentID.String())
	case !sessionID.IsZero():
		query = query.Where("external_session_id = ?", sessionID.String())
	default:
		query = query.Where("external_payment_intent_id = ?", paymentIntentID.String())
	}
	var row PaymentTransaction
	err := query.
		Order(completedFirstOrder).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.PaymentTransaction{}, false, nil
	}
	if err != nil {
		return ledger.PaymentTransaction{}, false, wrapStoreError(errorSubjectPayment, errorCodeLookup, err)
	}
	payment, err := mapPayment(row)
	if err != nil {
		return ledger.PaymentTransaction{}, false, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, true, nil
}

func (store *Store) InsertPayment(ctx context.Context, input ledger.PaymentInput) (ledger.PaymentTransaction, error) {
	row := PaymentTransaction{
		ExternalSessionID:       optionalString(input.SessionID),
		ExternalPaymentIntentID: optionalString(input.PaymentIntentID),
		UserID:                  input.UserID.String(),
		PlanID:                  input.PlanID.String(),
		Amount:                  input.Amount.Int64(),
		Currency:                input.Currency.String(),
		CreditsAdded:            input.CreditsAdded.Int64(),
		Status:                  input.Status.String(),
		CreatedAt:               unixToTime(input.CreatedUnixUTC),
		CompletedAt:             optionalTime(input.CompletedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintPaymentSession, constraintPaymentIntent) {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentConflict)
	}
	if err != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	payment, err := mapPayment(row)
	if err != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) CompletePayment(ctx context.Context, paymentID ledger.PaymentID, input ledger.PaymentInput) (ledger.PaymentTransaction, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentTransaction{}).
		Where("payment_id = ?", paymentID.String()).
		Updates(map[string]interface{}{
			"external_session_id":        optionalString(input.SessionID),
			"external_payment_intent_id": optionalString(input.PaymentIntentID),
			"user_id":                    input.UserID.String(),
			"plan_id":                    input.PlanID.String(),
			"amount":                     input.Amount.Int64(),
			"currency":                   input.Currency.String(),
			"credits_added":              input.CreditsAdded.Int64(),
			"status":                     input.Status.String(),
			"completed_at":               optionalTime(input.CompletedUnixUTC),
		})
	if isUniqueViolation(result.Error, constraintPaymentSession, constraintPaymentIntent) {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentConflict)
	}
	if result.Error != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeComplete, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeComplete, ledger.ErrUnknownPayment)
	}
	var row PaymentTransaction
	if err := store.db.WithContext(ctx).Where("payment_id = ?", paymentID.String()).Take(&row).Error; err != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	payment, err := mapPayment(row)
	if err != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) FindContent(ctx context.Context, userID ledger.UserID, hash content.ContentHash, platform content.Platform) (content.Record, bool, error) {
	var row GeneratedContent
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND content_hash = ? AND platform = ?", userID.String(), hash.String(), platform.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return content.Record{}, false, nil
	}
	if err != nil {
		return content.Record{}, false, wrapStoreError(errorSubjectContent, errorCodeLookup, err)
	}
	record, err := mapContent(row)
	if err != nil {
		return content.Record{}, false, wrapStoreError(errorSubjectContent, errorCodeInvalid, err)
	}
	return record, true, nil
}

func (store *Store) InsertContent(ctx context.Context, input content.Input) (content.Record, error) {
	createdAt := unixToTime(input.CreatedUnixUTC)
	row := GeneratedContent{
		UserID:      input.UserID.String(),
		ContentHash: input.ContentHash.String(),
		Platform:    input.Platform.String(),
		Content:     input.Text.String(),
		Metadata:    datatypesJSON(input.Metadata.String()),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintContentKey) {
		return content.Record{}, wrapStoreError(errorSubjectContent, errorCodeDuplicate, content.ErrContentConflict)
	}
	if err != nil {
		return content.Record{}, wrapStoreError(errorSubjectContent, errorCodeInsert, err)
	}
	record, err := mapContent(row)
	if err != nil {
		return content.Record{}, wrapStoreError(errorSubjectContent, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) TouchContent(ctx context.Context, contentID content.ContentID, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&GeneratedContent{}).
		Where("content_id = ?", contentID.String()).
		UpdateColumn("updated_at", unixToTime(updatedUnixUTC))
	if result.Error != nil {
		return wrapStoreError(errorSubjectContent, errorCodeTouch, result.Error)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row AccountBalance) (ledger.Balance, error) {
	return ledger.NewBalance(row.TotalCredits, row.UsedCredits, row.RemainingCredits, timeOrZero(row.LastPaymentAt))
}

func mapCreditTransactions(rows []CreditTransaction) ([]ledger.CreditTransaction, error) {
	transactions := make([]ledger.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapCreditTransaction(row CreditTransaction) (ledger.CreditTransaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	before, err := ledger.NewCredits(row.BalanceBefore)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	after, err := ledger.NewCredits(row.BalanceAfter)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	return ledger.CreditTransaction{
		Sequence:       row.Sequence,
		TransactionID:  transactionID,
		UserID:         userID,
		Type:           transactionType,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Reason:         reason,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPayment(row PaymentTransaction) (ledger.PaymentTransaction, error) {
	paymentID, err := ledger.NewPaymentID(row.PaymentID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	sessionID, err := ledger.NewExternalID(stringOrEmpty(row.ExternalSessionID))
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	paymentIntentID, err := ledger.NewExternalID(stringOrEmpty(row.ExternalPaymentIntentID))
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	planID, err := ledger.NewPlanID(row.PlanID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	amount, err := ledger.NewAmountMinor(row.Amount)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	credits, err := ledger.NewCredits(row.CreditsAdded)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	status, err := ledger.ParsePaymentStatus(row.Status)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	return ledger.PaymentTransaction{
		PaymentID:        paymentID,
		SessionID:        sessionID,
		PaymentIntentID:  paymentIntentID,
		UserID:           userID,
		PlanID:           planID,
		Amount:           amount,
		Currency:         currency,
		CreditsAdded:     credits,
		Status:           status,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		CompletedUnixUTC: timeOrZero(row.CompletedAt),
	}, nil
}

func mapContent(row GeneratedContent) (content.Record, error) {
	contentID, err := content.NewContentID(row.ContentID)
	if err != nil {
		return content.Record{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return content.Record{}, err
	}
	platform, err := content.NewPlatform(row.Platform)
	if err != nil {
		return content.Record{}, err
	}
	hash, err := content.ParseContentHash(row.ContentHash)
	if err != nil {
		return content.Record{}, err
	}
	text, err := content.NewText(row.Content)
	if err != nil {
		return content.Record{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return content.Record{}, err
	}
	return content.Record{
		ContentID:      contentID,
		UserID:         userID,
		Platform:       platform,
		ContentHash:    hash,
		Text:           text,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func optionalString(id ledger.ExternalID) *string {
	if id.IsZero() {
		return nil
	}
	value := id.String()
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation reports unique-key failures. Postgres errors must name one of constraints;
// SQLite does not report constraint names.
func isUniqueViolation(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return false
		}
		for _, constraint := range constraints {
			if pgErr.ConstraintName == constraint {
				return true
			}
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey {
			return true
		}
		return code&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), sqliteUniqueMessageFragment)
	}
	return false
}
