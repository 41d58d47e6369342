package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	paramUserID   = "user_id"
	queryBefore   = "before"
	queryLimit    = "limit"
	reasonGrant   = "grant"
	defaultStatus = "completed"
)

type mutationRequest struct {
	Amount   int64           `json:"amount" binding:"required"`
	Reason   string          `json:"reason"`
	Metadata json.RawMessage `json:"metadata"`
}

type generationRequest struct {
	ModelVersion string `json:"model_version" binding:"required"`
	Platform     string `json:"platform"`
}

type contentRequest struct {
	Platform string          `json:"platform" binding:"required"`
	Content  string          `json:"content" binding:"required"`
	Metadata json.RawMessage `json:"metadata"`
}

type reconcileRequest struct {
	SessionID       string          `json:"session_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	UserID          string          `json:"user_id" binding:"required"`
	PlanID          string          `json:"plan_id" binding:"required"`
	AmountMinor     int64           `json:"amount_minor"`
	Currency        string          `json:"currency" binding:"required"`
	Credits         int64           `json:"credits"`
	Status          string          `json:"status"`
	Metadata        json.RawMessage `json:"metadata"`
}

type balancePayload struct {
	UserID               string `json:"user_id"`
	TotalCredits         int64  `json:"total_credits"`
	UsedCredits          int64  `json:"used_credits"`
	RemainingCredits     int64  `json:"remaining_credits"`
	LastPaymentAtUnixUTC int64  `json:"last_payment_at_unix_utc,omitempty"`
}

type transactionPayload struct {
	Sequence       int64           `json:"sequence"`
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceBefore  int64           `json:"balance_before"`
	BalanceAfter   int64           `json:"balance_after"`
	Reason         string          `json:"reason"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type replayPayload struct {
	UserID       string `json:"user_id"`
	Transactions int    `json:"transactions"`
	NetCredits   int64  `json:"net_credits"`
	Remaining    int64  `json:"remaining_credits"`
	Unexplained  int64  `json:"unexplained_credits"`
	BrokenAt     int64  `json:"broken_at_sequence,omitempty"`
	Consistent   bool   `json:"consistent"`
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	balance, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(userID, balance)})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	handler.handleMutation(ctx, reasonGrant, handler.ledger.Grant)
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	handler.handleMutation(ctx, ledger.ReasonUsage, handler.ledger.Consume)
}

type mutationFunc func(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON) (ledger.Balance, error)

func (handler *httpHandler) handleMutation(ctx *gin.Context, defaultReason string, mutate mutationFunc) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request mutationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body with a positive amount"))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	rawReason := request.Reason
	if strings.TrimSpace(rawReason) == "" {
		rawReason = defaultReason
	}
	reason, err := ledger.NewReason(rawReason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := mutate(ctx.Request.Context(), userID, amount, reason, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(userID, balance)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	beforeSequence, err := parseOptionalInt(ctx.Query(queryBefore))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "before must be an integer"))
		return
	}
	limit, err := parseOptionalInt(ctx.Query(queryLimit))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "limit must be an integer"))
		return
	}
	transactions, err := handler.ledger.ListTransactions(ctx.Request.Context(), userID, beforeSequence, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			Sequence:       transaction.Sequence,
			TransactionID:  transaction.TransactionID.String(),
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount.Int64(),
			BalanceBefore:  transaction.BalanceBefore.Int64(),
			BalanceAfter:   transaction.BalanceAfter.Int64(),
			Reason:         transaction.Reason.String(),
			Metadata:       json.RawMessage(transaction.Metadata.String()),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	response := gin.H{"transactions": payload}
	if len(transactions) > 0 {
		response["next_before"] = transactions[len(transactions)-1].Sequence
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleReplay(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	report, err := handler.ledger.Replay(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"replay": replayPayload{
		UserID:       report.UserID.String(),
		Transactions: report.Transactions,
		NetCredits:   report.NetCredits,
		Remaining:    report.Remaining.Int64(),
		Unexplained:  report.Unexplained,
		BrokenAt:     report.BrokenAt,
		Consistent:   report.Consistent,
	}})
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body with model_version"))
		return
	}
	charge, err := handler.charger.Charge(ctx.Request.Context(), userID, request.ModelVersion, request.Platform)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"model_version": charge.Version,
		"cost":          charge.Cost.Int64(),
		"balance":       newBalancePayload(userID, charge.Balance),
	})
}

func (handler *httpHandler) handleContent(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request contentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body with platform and content"))
		return
	}
	platform, err := content.NewPlatform(request.Platform)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	text, err := content.NewText(request.Content)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.deduplicator.InsertIfNew(ctx.Request.Context(), userID, platform, text, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusOK
	if result.Inserted() {
		status = http.StatusCreated
	}
	ctx.JSON(status, gin.H{
		"content_id":   result.ContentID.String(),
		"content_hash": result.ContentHash.String(),
		"outcome":      string(result.Outcome),
	})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	var request reconcileRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON payment body"))
		return
	}
	status := request.Status
	if strings.TrimSpace(status) == "" {
		status = defaultStatus
	}
	paymentStatus, err := ledger.ParsePaymentStatus(strings.ToLower(strings.TrimSpace(status)))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	fields := paymentFields{
		SessionID:       request.SessionID,
		PaymentIntentID: request.PaymentIntentID,
		UserID:          request.UserID,
		PlanID:          request.PlanID,
		AmountMinor:     request.AmountMinor,
		Currency:        request.Currency,
	}
	if paymentStatus != ledger.PaymentStatusCompleted {
		event, err := buildPendingEvent(fields, string(request.Metadata))
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		handler.recordPending(ctx, event)
		return
	}
	credits := request.Credits
	if credits == 0 {
		credits = handler.cfg.Plans[strings.TrimSpace(request.PlanID)]
	}
	event, err := buildPaymentEvent(fields, credits, string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.reconcile(ctx, event)
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	if handler.cfg.StripeWebhookSecret == "" {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeWebhookNotConfigured, "stripe webhook secret is not configured"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse(errorCodePayloadTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "unreadable body"))
		return
	}
	err = verifyStripeSignature(payload, ctx.GetHeader(stripeSignatureHeader), handler.cfg.StripeWebhookSecret, handler.cfg.WebhookTolerance, handler.now())
	if err != nil {
		handler.logger.Warn("stripe signature rejected", zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: %v", ErrInvalidEvent, err))
		return
	}

	var fields paymentFields
	switch event.Type {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded:
		fields, err = parseCheckoutSession(event.Data.Object)
		if event.Type == eventCheckoutAsyncSucceeded {
			fields.Paid = true
		}
	case eventPaymentIntentSucceeded:
		fields, err = parsePaymentIntent(event.Data.Object)
	default:
		ctx.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.MetadataFromMap(map[string]string{"stripe_event_id": event.ID, "stripe_event_type": event.Type})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if !fields.Paid {
		pendingEvent, err := buildPendingEvent(fields, metadata.String())
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		handler.recordPending(ctx, pendingEvent)
		return
	}
	if fields.missingOwner() {
		var handled bool
		fields, handled = handler.completeFromStoredPayment(ctx, fields)
		if handled {
			return
		}
	}
	credits, err := handler.resolveCredits(fields)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	paymentEvent, err := buildPaymentEvent(fields, credits, metadata.String())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.reconcile(ctx, paymentEvent)
}

// completeFromStoredPayment handles a paid event that does not name its user or plan, which is how Stripe
// sends payment intents created by Checkout. A completed match is answered as a duplicate; a pending match
// lends its user and plan to fields. Without a usable match the event is acknowledged and ignored so that
// the checkout event, which carries the metadata, does the reconciliation.
func (handler *httpHandler) completeFromStoredPayment(ctx *gin.Context, fields paymentFields) (paymentFields, bool) {
	sessionID, err := ledger.NewExternalID(fields.SessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return fields, true
	}
	paymentIntentID, err := ledger.NewExternalID(fields.PaymentIntentID)
	if err != nil {
		handler.respondError(ctx, err)
		return fields, true
	}
	payment, found, err := handler.reconciler.FindPayment(ctx.Request.Context(), sessionID, paymentIntentID)
	if err != nil {
		handler.respondError(ctx, err)
		return fields, true
	}
	if !found {
		ctx.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return fields, true
	}
	if payment.Status == ledger.PaymentStatusCompleted {
		balance, err := handler.ledger.Balance(ctx.Request.Context(), payment.UserID)
		if err != nil {
			handler.respondError(ctx, err)
			return fields, true
		}
		ctx.JSON(http.StatusOK, gin.H{
			"payment_id":    payment.PaymentID.String(),
			"status":        ledger.PaymentStatusCompleted.String(),
			"was_duplicate": true,
			"balance":       newBalancePayload(payment.UserID, balance),
		})
		return fields, true
	}
	fields.UserID = payment.UserID.String()
	fields.PlanID = payment.PlanID.String()
	if _, known := handler.cfg.Plans[fields.PlanID]; !known && strings.TrimSpace(fields.MetadataCredits) == "" {
		ctx.JSON(http.StatusOK, gin.H{"received": true, "ignored": true, "payment_id": payment.PaymentID.String(), "status": payment.Status.String()})
		return fields, true
	}
	return fields, false
}

func (handler *httpHandler) recordPending(ctx *gin.Context, event ledger.PaymentEvent) {
	pending, err := handler.reconciler.RecordPending(ctx.Request.Context(), event)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"payment_id": pending.PaymentID.String(),
		"status":     pending.Status.String(),
	})
}

func (handler *httpHandler) reconcile(ctx *gin.Context, event ledger.PaymentEvent) {
	result, err := handler.reconciler.Reconcile(ctx.Request.Context(), event)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"payment_id":    result.PaymentID.String(),
		"status":        ledger.PaymentStatusCompleted.String(),
		"was_duplicate": result.WasDuplicate,
		"balance":       newBalancePayload(result.UserID, result.Balance),
	})
}

// resolveCredits prefers the configured plan catalog over metadata.credits.
func (handler *httpHandler) resolveCredits(fields paymentFields) (int64, error) {
	if credits, ok := handler.cfg.Plans[strings.TrimSpace(fields.PlanID)]; ok {
		return credits, nil
	}
	if strings.TrimSpace(fields.MetadataCredits) == "" {
		return 0, fmt.Errorf("%w: %q", errUnknownPlan, fields.PlanID)
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(fields.MetadataCredits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata credits %q", ledger.ErrInvalidCredits, fields.MetadataCredits)
	}
	return credits, nil
}

type paymentParts struct {
	sessionID       ledger.ExternalID
	paymentIntentID ledger.ExternalID
	userID          ledger.UserID
	planID          ledger.PlanID
	amount          ledger.AmountMinor
	currency        ledger.Currency
	metadata        ledger.MetadataJSON
}

func newPaymentParts(fields paymentFields, rawMetadata string) (paymentParts, error) {
	var (
		parts paymentParts
		err   error
	)
	if parts.sessionID, err = ledger.NewExternalID(fields.SessionID); err != nil {
		return paymentParts{}, err
	}
	if parts.paymentIntentID, err = ledger.NewExternalID(fields.PaymentIntentID); err != nil {
		return paymentParts{}, err
	}
	if parts.userID, err = ledger.NewUserID(fields.UserID); err != nil {
		return paymentParts{}, err
	}
	if parts.planID, err = ledger.NewPlanID(fields.PlanID); err != nil {
		return paymentParts{}, err
	}
	if parts.amount, err = ledger.NewAmountMinor(fields.AmountMinor); err != nil {
		return paymentParts{}, err
	}
	if parts.currency, err = ledger.NewCurrency(fields.Currency); err != nil {
		return paymentParts{}, err
	}
	if parts.metadata, err = ledger.NewMetadataJSON(rawMetadata); err != nil {
		return paymentParts{}, err
	}
	return parts, nil
}

func buildPaymentEvent(fields paymentFields, credits int64, rawMetadata string) (ledger.PaymentEvent, error) {
	parts, err := newPaymentParts(fields, rawMetadata)
	if err != nil {
		return ledger.PaymentEvent{}, err
	}
	positiveCredits, err := ledger.NewPositiveCredits(credits)
	if err != nil {
		return ledger.PaymentEvent{}, err
	}
	return ledger.NewPaymentEvent(parts.sessionID, parts.paymentIntentID, parts.userID, parts.planID, parts.amount, parts.currency, positiveCredits, parts.metadata)
}

// buildPendingEvent skips credit resolution; a pending payment grants nothing until it completes.
func buildPendingEvent(fields paymentFields, rawMetadata string) (ledger.PaymentEvent, error) {
	parts, err := newPaymentParts(fields, rawMetadata)
	if err != nil {
		return ledger.PaymentEvent{}, err
	}
	return ledger.NewPendingPaymentEvent(parts.sessionID, parts.paymentIntentID, parts.userID, parts.planID, parts.amount, parts.currency, parts.metadata)
}

func (handler *httpHandler) userIDParam(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param(paramUserID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.UserID{}, false
	}
	return userID, true
}

func newBalancePayload(userID ledger.UserID, balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:               userID.String(),
		TotalCredits:         balance.Total.Int64(),
		UsedCredits:          balance.Used.Int64(),
		RemainingCredits:     balance.Remaining.Int64(),
		LastPaymentAtUnixUTC: balance.LastPaymentAtUnixUTC,
	}
}

func parseOptionalInt(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	return value, nil
}
