package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	stripeTimestampKey    = "t"
	stripeSignatureKey    = "v1"

	eventCheckoutCompleted      = "checkout.session.completed"
	eventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	checkoutPaymentStatusPaid   = "paid"
	checkoutPaymentStatusNoCost = "no_payment_required"
	metadataKeyUserID           = "user_id"
	metadataKeyPlanID           = "plan_id"
	metadataKeyCredits          = "credits"
	stripeObjectCheckoutSession = "checkout.session"
	stripeObjectPaymentIntent   = "payment_intent"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidEvent     = errors.New("invalid webhook event")
)

// verifyStripeSignature checks header against an HMAC-SHA256 of "timestamp.payload" and rejects
// timestamps outside tolerance.
func verifyStripeSignature(payload []byte, header string, secret string, tolerance time.Duration, now time.Time) error {
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case stripeTimestampKey:
			timestamp = value
		case stripeSignatureKey:
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	unixSeconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unixSeconds, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	expected := computeStripeSignature(payload, timestamp, secret)
	for _, signature := range signatures {
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

func computeStripeSignature(payload []byte, timestamp string, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignStripePayload renders a Stripe-Signature header value for payload.
func SignStripePayload(payload []byte, secret string, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return stripeTimestampKey + "=" + timestamp + "," + stripeSignatureKey + "=" + hex.EncodeToString(computeStripeSignature(payload, timestamp, secret))
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePaymentIntent struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

// paymentFields is the provider-neutral projection of a Stripe object.
type paymentFields struct {
	SessionID       string
	PaymentIntentID string
	UserID          string
	PlanID          string
	AmountMinor     int64
	Currency        string
	MetadataCredits string
	Paid            bool
}

func (fields paymentFields) missingOwner() bool {
	return strings.TrimSpace(fields.UserID) == "" || strings.TrimSpace(fields.PlanID) == ""
}

func parseCheckoutSession(raw json.RawMessage) (paymentFields, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return paymentFields{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if session.Object != "" && session.Object != stripeObjectCheckoutSession {
		return paymentFields{}, fmt.Errorf("%w: unexpected object %q", ErrInvalidEvent, session.Object)
	}
	userID := session.Metadata[metadataKeyUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	return paymentFields{
		SessionID:       session.ID,
		PaymentIntentID: session.PaymentIntent,
		UserID:          userID,
		PlanID:          session.Metadata[metadataKeyPlanID],
		AmountMinor:     session.AmountTotal,
		Currency:        session.Currency,
		MetadataCredits: session.Metadata[metadataKeyCredits],
		Paid:            session.PaymentStatus == checkoutPaymentStatusPaid || session.PaymentStatus == checkoutPaymentStatusNoCost,
	}, nil
}

func parsePaymentIntent(raw json.RawMessage) (paymentFields, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return paymentFields{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if intent.Object != "" && intent.Object != stripeObjectPaymentIntent {
		return paymentFields{}, fmt.Errorf("%w: unexpected object %q", ErrInvalidEvent, intent.Object)
	}
	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	return paymentFields{
		PaymentIntentID: intent.ID,
		UserID:          intent.Metadata[metadataKeyUserID],
		PlanID:          intent.Metadata[metadataKeyPlanID],
		AmountMinor:     amount,
		Currency:        intent.Currency,
		MetadataCredits: intent.Metadata[metadataKeyCredits],
		Paid:            true,
	}, nil
}
