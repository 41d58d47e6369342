package pgstore

import (
	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (ledger.Balance, error) {
	var total, used, remaining, lastPaymentAt int64
	if err := row.Scan(&total, &used, &remaining, &lastPaymentAt); err != nil {
		return ledger.Balance{}, err
	}
	return ledger.NewBalance(total, used, remaining, lastPaymentAt)
}

func scanCreditTransactions(rows pgx.Rows) ([]ledger.CreditTransaction, error) {
	var transactions []ledger.CreditTransaction
	for rows.Next() {
		transaction, err := scanCreditTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func scanCreditTransaction(row rowScanner) (ledger.CreditTransaction, error) {
	var (
		sequence       int64
		rawID          string
		rawUserID      string
		rawType        string
		rawAmount      int64
		rawBefore      int64
		rawAfter       int64
		rawReason      string
		rawMetadata    string
		createdUnixUTC int64
	)
	if err := row.Scan(&sequence, &rawID, &rawUserID, &rawType, &rawAmount, &rawBefore, &rawAfter, &rawReason, &rawMetadata, &createdUnixUTC); err != nil {
		return ledger.CreditTransaction{}, err
	}
	transactionID, err := ledger.NewTransactionID(rawID)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(rawType)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	amount, err := ledger.NewPositiveCredits(rawAmount)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	before, err := ledger.NewCredits(rawBefore)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	after, err := ledger.NewCredits(rawAfter)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	reason, err := ledger.NewReason(rawReason)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(rawMetadata)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	return ledger.CreditTransaction{
		Sequence:       sequence,
		TransactionID:  transactionID,
		UserID:         userID,
		Type:           transactionType,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Reason:         reason,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func scanPayment(row rowScanner) (ledger.PaymentTransaction, error) {
	var (
		rawPaymentID     string
		rawSessionID     string
		rawIntentID      string
		rawUserID        string
		rawPlanID        string
		rawAmount        int64
		rawCurrency      string
		rawCredits       int64
		rawStatus        string
		createdUnixUTC   int64
		completedUnixUTC int64
	)
	err := row.Scan(&rawPaymentID, &rawSessionID, &rawIntentID, &rawUserID, &rawPlanID, &rawAmount, &rawCurrency, &rawCredits, &rawStatus, &createdUnixUTC, &completedUnixUTC)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	paymentID, err := ledger.NewPaymentID(rawPaymentID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	sessionID, err := ledger.NewExternalID(rawSessionID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	paymentIntentID, err := ledger.NewExternalID(rawIntentID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	planID, err := ledger.NewPlanID(rawPlanID)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	amount, err := ledger.NewAmountMinor(rawAmount)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	currency, err := ledger.NewCurrency(rawCurrency)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	credits, err := ledger.NewCredits(rawCredits)
	if err != nil {
		return ledger.PaymentTransaction{}, err
	}
	status, err := ledger.ParsePaymentStatus(rawStatus)
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
		CreatedUnixUTC:   createdUnixUTC,
		CompletedUnixUTC: completedUnixUTC,
	}, nil
}

func scanContent(row rowScanner) (content.Record, error) {
	var (
		rawContentID   string
		rawUserID      string
		rawPlatform    string
		rawHash        string
		rawText        string
		rawMetadata    string
		createdUnixUTC int64
		updatedUnixUTC int64
	)
	if err := row.Scan(&rawContentID, &rawUserID, &rawPlatform, &rawHash, &rawText, &rawMetadata, &createdUnixUTC, &updatedUnixUTC); err != nil {
		return content.Record{}, err
	}
	contentID, err := content.NewContentID(rawContentID)
	if err != nil {
		return content.Record{}, err
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return content.Record{}, err
	}
	platform, err := content.NewPlatform(rawPlatform)
	if err != nil {
		return content.Record{}, err
	}
	hash, err := content.ParseContentHash(rawHash)
	if err != nil {
		return content.Record{}, err
	}
	text, err := content.NewText(rawText)
	if err != nil {
		return content.Record{}, err
	}
	metadata, err := ledger.NewMetadataJSON(rawMetadata)
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
		CreatedUnixUTC: createdUnixUTC,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}
