package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintPaymentSession = "uniq_payment_session"
	constraintPaymentIntent  = "uniq_payment_intent"
	constraintContentKey     = "uniq_generated_content_key"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectTransaction  = "transaction"
	errorSubjectPayment      = "payment"
	errorSubjectContent      = "content"
	errorSubjectTx           = "tx"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeComplete        = "complete"
	errorCodeDecrement       = "decrement"
	errorCodeDuplicate       = "duplicate"
	errorCodeEnsure          = "ensure"
	errorCodeGet             = "get"
	errorCodeIncrement       = "increment"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeTouch           = "touch"

	balanceColumns = `total_credits, used_credits, remaining_credits, coalesce(extract(epoch from last_payment_at)::bigint, 0)`

	sqlSelectBalance = `select ` + balanceColumns + ` from account_balances where user_id = $1`

	sqlEnsureBalance = `insert into account_balances(user_id) values($1) on conflict (user_id) do nothing`

	sqlIncrementBalance = `
		update account_balances
		set total_credits = total_credits + $2,
			remaining_credits = remaining_credits + $2,
			last_payment_at = coalesce(to_timestamp(nullif($3::bigint, 0)), last_payment_at),
			updated_at = now()
		where user_id = $1
		returning ` + balanceColumns

	sqlDecrementBalance = `
		update account_balances
		set remaining_credits = remaining_credits - $2,
			used_credits = used_credits + $2,
			updated_at = now()
		where user_id = $1 and remaining_credits >= $2
		returning ` + balanceColumns

	transactionColumns = `sequence, transaction_id::text, user_id, type, amount, balance_before, balance_after, reason, coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint`

	sqlInsertCreditTransaction = `
		insert into credit_transactions(user_id, type, amount, balance_before, balance_after, reason, metadata, created_at)
		values($1, $2, $3, $4, $5, $6, coalesce(nullif($7, ''), '{}')::jsonb, to_timestamp($8::bigint))
		returning ` + transactionColumns

	sqlListCreditTransactions = `
		select ` + transactionColumns + `
		from credit_transactions
		where user_id = $1 and ($2::bigint = 0 or sequence < $2::bigint)
		order by sequence desc
		limit $3
	`

	sqlReplayCreditTransactions = `
		select ` + transactionColumns + `
		from credit_transactions
		where user_id = $1
		order by sequence asc
	`

	paymentColumns = `payment_id::text, coalesce(external_session_id, ''), coalesce(external_payment_intent_id, ''), user_id, plan_id, amount, currency, credits_added, status, extract(epoch from created_at)::bigint, coalesce(extract(epoch from completed_at)::bigint, 0)`

	sqlFindPayment = `
		select ` + paymentColumns + `
		from payment_transactions
		where external_session_id = nullif($1, '') or external_payment_intent_id = nullif($2, '')
		order by case when status = 'completed' then 0 else 1 end, created_at asc
		limit 1
		for update
	`

	sqlInsertPayment = `
		insert into payment_transactions(
			external_session_id, external_payment_intent_id, user_id, plan_id, amount, currency,
			credits_added, status, created_at, completed_at
		)
		values(nullif($1, ''), nullif($2, ''), $3, $4, $5, $6, $7, $8, to_timestamp($9::bigint), to_timestamp(nullif($10::bigint, 0)))
		returning ` + paymentColumns

	sqlCompletePayment = `
		update payment_transactions
		set external_session_id = nullif($2, ''),
			external_payment_intent_id = nullif($3, ''),
			user_id = $4,
			plan_id = $5,
			amount = $6,
			currency = $7,
			credits_added = $8,
			status = $9,
			completed_at = to_timestamp(nullif($10::bigint, 0))
		where payment_id = $1
		returning ` + paymentColumns

	contentColumns = `content_id::text, user_id, platform, content_hash, content, coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint`

	sqlFindContent = `
		select ` + contentColumns + `
		from generated_content
		where user_id = $1 and content_hash = $2 and platform = $3
	`

	sqlInsertContent = `
		insert into generated_content(user_id, platform, content_hash, content, metadata, created_at, updated_at)
		values($1, $2, $3, $4, coalesce(nullif($5, ''), '{}')::jsonb, to_timestamp($6::bigint), to_timestamp($6::bigint))
		returning ` + contentColumns

	sqlTouchContent = `update generated_content set updated_at = to_timestamp($2::bigint) where content_id = $1`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store and content.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store and content.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.inTx(ctx, func(ctx context.Context, transactionStore *TxStore) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) WithContentTx(ctx context.Context, fn func(ctx context.Context, txStore content.Store) error) error {
	return store.inTx(ctx, func(ctx context.Context, transactionStore *TxStore) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) inTx(ctx context.Context, fn func(ctx context.Context, transactionStore *TxStore) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	if err := fn(ctx, &TxStore{queries: queries{db: tx}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) WithContentTx(ctx context.Context, fn func(ctx context.Context, txStore content.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, bool, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, true, nil
}

func (store queries) EnsureBalance(ctx context.Context, userID ledger.UserID) error {
	if _, err := store.db.Exec(ctx, sqlEnsureBalance, userID.String()); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeEnsure, err)
	}
	return nil
}

func (store queries) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, paymentAtUnixUTC int64) (ledger.Balance, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlIncrementBalance, userID.String(), amount.Int64(), paymentAtUnixUTC))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrInvalidBalance)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return balance, nil
}

func (store queries) DecrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits) (ledger.Balance, bool, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlDecrementBalance, userID.String(), amount.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return balance, true, nil
}

func (store queries) InsertCreditTransaction(ctx context.Context, input ledger.CreditTransactionInput) (ledger.CreditTransaction, error) {
	row := store.db.QueryRow(ctx, sqlInsertCreditTransaction,
		input.UserID().String(),
		input.Type().String(),
		input.Amount().Int64(),
		input.BalanceBefore().Int64(),
		input.BalanceAfter().Int64(),
		input.Reason().String(),
		input.Metadata().String(),
		input.CreatedUnixUTC(),
	)
	transaction, err := scanCreditTransaction(row)
	if err != nil {
		return ledger.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store queries) ListCreditTransactions(ctx context.Context, userID ledger.UserID, beforeSequence int64, limit int) ([]ledger.CreditTransaction, error) {
	rows, err := store.db.Query(ctx, sqlListCreditTransactions, userID.String(), beforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanCreditTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) ReplayCreditTransactions(ctx context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	rows, err := store.db.Query(ctx, sqlReplayCreditTransactions, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanCreditTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) FindPayment(ctx context.Context, sessionID ledger.ExternalID, paymentIntentID ledger.ExternalID) (ledger.PaymentTransaction, bool, error) {
	if sessionID.IsZero() && paymentIntentID.IsZero() {
		return ledger.PaymentTransaction{}, false, wrapStoreError(errorSubjectPayment, errorCodeLookup, ledger.ErrMissingExternalID)
	}
	payment, err := scanPayment(store.db.QueryRow(ctx, sqlFindPayment, sessionID.String(), paymentIntentID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.PaymentTransaction{}, false, nil
	}
	if err != nil {
		return ledger.PaymentTransaction{}, false, wrapStoreError(errorSubjectPayment, errorCodeLookup, err)
	}
	return payment, true, nil
}

func (store queries) InsertPayment(ctx context.Context, input ledger.PaymentInput) (ledger.PaymentTransaction, error) {
	payment, err := scanPayment(store.db.QueryRow(ctx, sqlInsertPayment,
		input.SessionID.String(),
		input.PaymentIntentID.String(),
		input.UserID.String(),
		input.PlanID.String(),
		input.Amount.Int64(),
		input.Currency.String(),
		input.CreditsAdded.Int64(),
		input.Status.String(),
		input.CreatedUnixUTC,
		input.CompletedUnixUTC,
	))
	if isUniqueViolation(err, constraintPaymentSession, constraintPaymentIntent) {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentConflict)
	}
	if err != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return payment, nil
}

func (store queries) CompletePayment(ctx context.Context, paymentID ledger.PaymentID, input ledger.PaymentInput) (ledger.PaymentTransaction, error) {
	payment, err := scanPayment(store.db.QueryRow(ctx, sqlCompletePayment,
		paymentID.String(),
		input.SessionID.String(),
		input.PaymentIntentID.String(),
		input.UserID.String(),
		input.PlanID.String(),
		input.Amount.Int64(),
		input.Currency.String(),
		input.CreditsAdded.Int64(),
		input.Status.String(),
		input.CompletedUnixUTC,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeComplete, ledger.ErrUnknownPayment)
	}
	if isUniqueViolation(err, constraintPaymentSession, constraintPaymentIntent) {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentConflict)
	}
	if err != nil {
		return ledger.PaymentTransaction{}, wrapStoreError(errorSubjectPayment, errorCodeComplete, err)
	}
	return payment, nil
}

func (store queries) FindContent(ctx context.Context, userID ledger.UserID, hash content.ContentHash, platform content.Platform) (content.Record, bool, error) {
	record, err := scanContent(store.db.QueryRow(ctx, sqlFindContent, userID.String(), hash.String(), platform.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return content.Record{}, false, nil
	}
	if err != nil {
		return content.Record{}, false, wrapStoreError(errorSubjectContent, errorCodeLookup, err)
	}
	return record, true, nil
}

func (store queries) InsertContent(ctx context.Context, input content.Input) (content.Record, error) {
	record, err := scanContent(store.db.QueryRow(ctx, sqlInsertContent,
		input.UserID.String(),
		input.Platform.String(),
		input.ContentHash.String(),
		input.Text.String(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	))
	if isUniqueViolation(err, constraintContentKey) {
		return content.Record{}, wrapStoreError(errorSubjectContent, errorCodeDuplicate, content.ErrContentConflict)
	}
	if err != nil {
		return content.Record{}, wrapStoreError(errorSubjectContent, errorCodeInsert, err)
	}
	return record, nil
}

func (store queries) TouchContent(ctx context.Context, contentID content.ContentID, updatedUnixUTC int64) error {
	if _, err := store.db.Exec(ctx, sqlTouchContent, contentID.String(), updatedUnixUTC); err != nil {
		return wrapStoreError(errorSubjectContent, errorCodeTouch, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolationCode {
		return false
	}
	for _, constraint := range constraints {
		if pgErr.ConstraintName == constraint {
			return true
		}
	}
	return false
}
