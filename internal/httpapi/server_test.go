package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/revoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/revoledger/internal/observability"
	"github.com/MarkoPoloResearchLab/revoledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAPIToken      = "test-token"
	testWebhookSecret = "whsec_test"
	testNowUnix       = 1700000000
)

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T, mutate func(cfg *Config)) testServer {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/httpapi.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(gormstore.Models()...); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	store := gormstore.New(database)
	clock := func() int64 { return testNowUnix }

	registry := prometheus.NewRegistry()
	recorder, err := observability.NewOperationRecorder(zap.NewNop(), registry)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	service, err := ledger.NewService(store, clock, ledger.WithOperationLogger(recorder))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	reconciler, err := ledger.NewReconciler(store, clock, ledger.WithReconcileLogger(recorder))
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	deduplicator, err := content.NewDeduplicator(store, clock, content.WithOperationLogger(recorder))
	if err != nil {
		t.Fatalf("deduplicator: %v", err)
	}
	charger, err := generation.NewCharger(service, map[string]int64{"revo-1.0": 1, "revo-1.5": 2, "revo-2.0": 3})
	if err != nil {
		t.Fatalf("charger: %v", err)
	}
	cfg := Config{
		AllowedOrigins:      []string{"http://localhost:3000"},
		APIToken:            testAPIToken,
		StripeWebhookSecret: testWebhookSecret,
		WebhookTolerance:    5 * time.Minute,
		RequestTimeout:      5 * time.Second,
		Plans:               map[string]int64{"starter": 50, "pro": 200},
		Gatherer:            registry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	router, err := NewRouter(cfg, Dependencies{
		Ledger:       service,
		Reconciler:   reconciler,
		Deduplicator: deduplicator,
		Charger:      charger,
		Logger:       zap.NewNop(),
		Now:          func() time.Time { return time.Unix(testNowUnix, 0) },
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return testServer{router: router}
}

func (server testServer) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return server.doWithHeaders(t, method, path, body, map[string]string{"Authorization": "Bearer " + testAPIToken})
}

func (server testServer) doWithHeaders(t *testing.T, method string, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(typed)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func remainingCredits(t *testing.T, body map[string]any) float64 {
	t.Helper()
	balance, ok := body["balance"].(map[string]any)
	if !ok {
		t.Fatalf("missing balance in %v", body)
	}
	return balance["remaining_credits"].(float64)
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, recorder)
	errorBody, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error in %v", body)
	}
	return errorBody["code"].(string)
}

func TestHealthzIsPublic(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	recorder := server.doWithHeaders(t, http.MethodGet, "/healthz", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", recorder.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	missing := server.doWithHeaders(t, http.MethodGet, "/api/users/u1/credits", nil, nil)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}
	wrong := server.doWithHeaders(t, http.MethodGet, "/api/users/u1/credits", nil, map[string]string{"Authorization": "Bearer nope"})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", wrong.Code)
	}
	open := newTestServer(t, func(cfg *Config) { cfg.APIToken = "" })
	if recorder := open.doWithHeaders(t, http.MethodGet, "/api/users/u1/credits", nil, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected open API without configured token, got %d", recorder.Code)
	}
}

func TestBalanceGrantConsumeFlow(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)

	unknown := server.do(t, http.MethodGet, "/api/users/u1/credits", nil)
	if unknown.Code != http.StatusOK || remainingCredits(t, decodeBody(t, unknown)) != 0 {
		t.Fatalf("unexpected unknown-user balance: %d %s", unknown.Code, unknown.Body.String())
	}

	grant := server.do(t, http.MethodPost, "/api/users/u1/grants", map[string]any{"amount": 10, "reason": "bonus"})
	if grant.Code != http.StatusOK || remainingCredits(t, decodeBody(t, grant)) != 10 {
		t.Fatalf("grant status=%d body=%s", grant.Code, grant.Body.String())
	}

	consume := server.do(t, http.MethodPost, "/api/users/u1/consume", map[string]any{"amount": 4, "metadata": map[string]any{"job": "caption"}})
	if consume.Code != http.StatusOK || remainingCredits(t, decodeBody(t, consume)) != 6 {
		t.Fatalf("consume status=%d body=%s", consume.Code, consume.Body.String())
	}

	overdraw := server.do(t, http.MethodPost, "/api/users/u1/consume", map[string]any{"amount": 7})
	if overdraw.Code != http.StatusPaymentRequired || errorCode(t, overdraw) != errorCodeInsufficientCredits {
		t.Fatalf("expected 402 insufficient_credits, got %d %s", overdraw.Code, overdraw.Body.String())
	}

	invalid := server.do(t, http.MethodPost, "/api/users/u1/consume", map[string]any{"amount": -3})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", invalid.Code)
	}
	missing := server.do(t, http.MethodPost, "/api/users/u1/consume", map[string]any{})
	if missing.Code != http.StatusBadRequest || errorCode(t, missing) != errorCodeInvalidPayload {
		t.Fatalf("expected 400 invalid_payload, got %d %s", missing.Code, missing.Body.String())
	}
}

func TestTransactionsAndReplay(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	for _, amount := range []int{5, 3, 2} {
		if recorder := server.do(t, http.MethodPost, "/api/users/u2/grants", map[string]any{"amount": amount}); recorder.Code != http.StatusOK {
			t.Fatalf("grant status=%d", recorder.Code)
		}
	}
	firstPage := server.do(t, http.MethodGet, "/api/users/u2/transactions?limit=2", nil)
	if firstPage.Code != http.StatusOK {
		t.Fatalf("transactions status=%d body=%s", firstPage.Code, firstPage.Body.String())
	}
	body := decodeBody(t, firstPage)
	transactions := body["transactions"].([]any)
	if len(transactions) != 2 {
		t.Fatalf("expected two transactions, got %d", len(transactions))
	}
	newest := transactions[0].(map[string]any)
	if newest["amount"].(float64) != 2 || newest["balance_after"].(float64) != 10 {
		t.Fatalf("expected newest first, got %v", newest)
	}
	nextBefore := int64(body["next_before"].(float64))
	secondPage := server.do(t, http.MethodGet, "/api/users/u2/transactions?limit=2&before="+jsonNumber(nextBefore), nil)
	if rest := decodeBody(t, secondPage)["transactions"].([]any); len(rest) != 1 {
		t.Fatalf("expected one remaining transaction, got %d", len(rest))
	}

	badLimit := server.do(t, http.MethodGet, "/api/users/u2/transactions?limit=abc", nil)
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", badLimit.Code)
	}
	negativeLimit := server.do(t, http.MethodGet, "/api/users/u2/transactions?limit=-1", nil)
	if negativeLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", negativeLimit.Code)
	}

	replay := server.do(t, http.MethodGet, "/api/users/u2/replay", nil)
	report := decodeBody(t, replay)["replay"].(map[string]any)
	if report["consistent"] != true || report["net_credits"].(float64) != 10 || report["transactions"].(float64) != 3 {
		t.Fatalf("unexpected replay report %v", report)
	}
}

func jsonNumber(value int64) string {
	raw, _ := json.Marshal(value)
	return string(raw)
}

func TestGenerationChargesPerVersion(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	server.do(t, http.MethodPost, "/api/users/u3/grants", map[string]any{"amount": 4})

	charged := server.do(t, http.MethodPost, "/api/users/u3/generations", map[string]any{"model_version": "revo-2.0", "platform": "instagram"})
	if charged.Code != http.StatusOK {
		t.Fatalf("generation status=%d body=%s", charged.Code, charged.Body.String())
	}
	body := decodeBody(t, charged)
	if body["cost"].(float64) != 3 || remainingCredits(t, body) != 1 {
		t.Fatalf("unexpected generation response %v", body)
	}
	broke := server.do(t, http.MethodPost, "/api/users/u3/generations", map[string]any{"model_version": "revo-1.5"})
	if broke.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", broke.Code)
	}
	unknown := server.do(t, http.MethodPost, "/api/users/u3/generations", map[string]any{"model_version": "revo-9"})
	if unknown.Code != http.StatusBadRequest || errorCode(t, unknown) != errorCodeUnknownVersion {
		t.Fatalf("expected 400 unknown_model_version, got %d %s", unknown.Code, unknown.Body.String())
	}
}

func TestContentInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	payload := map[string]any{"platform": "Instagram", "content": "Fresh coffee, fresh start."}
	first := server.do(t, http.MethodPost, "/api/users/u4/content", payload)
	if first.Code != http.StatusCreated {
		t.Fatalf("first insert status=%d body=%s", first.Code, first.Body.String())
	}
	second := server.do(t, http.MethodPost, "/api/users/u4/content", payload)
	if second.Code != http.StatusOK {
		t.Fatalf("second insert status=%d body=%s", second.Code, second.Body.String())
	}
	firstBody, secondBody := decodeBody(t, first), decodeBody(t, second)
	if firstBody["content_id"] != secondBody["content_id"] || secondBody["outcome"] != string(content.OutcomeDuplicate) {
		t.Fatalf("expected duplicate with same id: %v vs %v", firstBody, secondBody)
	}
	blank := server.do(t, http.MethodPost, "/api/users/u4/content", map[string]any{"platform": "instagram", "content": "   "})
	if blank.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank content, got %d", blank.Code)
	}
}

func TestReconcileEndpointIsIdempotent(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	payload := map[string]any{
		"session_id":   "cs_test_1",
		"user_id":      "u5",
		"plan_id":      "starter",
		"amount_minor": 999,
		"currency":     "usd",
	}
	first := server.do(t, http.MethodPost, "/api/payments/reconcile", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("reconcile status=%d body=%s", first.Code, first.Body.String())
	}
	firstBody := decodeBody(t, first)
	if firstBody["was_duplicate"] != false || remainingCredits(t, firstBody) != 50 {
		t.Fatalf("unexpected first reconcile %v", firstBody)
	}
	second := server.do(t, http.MethodPost, "/api/payments/reconcile", payload)
	secondBody := decodeBody(t, second)
	if secondBody["was_duplicate"] != true || remainingCredits(t, secondBody) != 50 || secondBody["payment_id"] != firstBody["payment_id"] {
		t.Fatalf("unexpected redelivery %v", secondBody)
	}
	missingIDs := server.do(t, http.MethodPost, "/api/payments/reconcile", map[string]any{"user_id": "u5", "plan_id": "starter", "currency": "usd"})
	if missingIDs.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without identifiers, got %d", missingIDs.Code)
	}
}

func TestReconcileEndpointCompletesPending(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	pending := server.do(t, http.MethodPost, "/api/payments/reconcile", map[string]any{
		"session_id": "cs_async", "user_id": "u6", "plan_id": "pro", "currency": "usd", "status": "pending",
	})
	if pending.Code != http.StatusOK || decodeBody(t, pending)["status"] != "pending" {
		t.Fatalf("pending status=%d body=%s", pending.Code, pending.Body.String())
	}
	completed := server.do(t, http.MethodPost, "/api/payments/reconcile", map[string]any{
		"session_id": "cs_async", "payment_intent_id": "pi_async", "user_id": "u6", "plan_id": "pro", "currency": "usd", "amount_minor": 4900,
	})
	body := decodeBody(t, completed)
	if body["was_duplicate"] != false || remainingCredits(t, body) != 200 {
		t.Fatalf("unexpected completion %v", body)
	}
}

func checkoutEvent(t *testing.T, eventType string, paymentStatus string, session string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":   "evt_" + session,
		"type": eventType,
		"data": map[string]any{"object": map[string]any{
			"id":                  session,
			"object":              "checkout.session",
			"payment_intent":      "pi_" + session,
			"payment_status":      paymentStatus,
			"amount_total":        999,
			"currency":            "usd",
			"client_reference_id": "u7",
			"metadata":            map[string]string{"plan_id": "starter"},
		}},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func signedHeaders(payload []byte) map[string]string {
	return map[string]string{stripeSignatureHeader: SignStripePayload(payload, testWebhookSecret, time.Unix(testNowUnix, 0))}
}

func TestStripeWebhookGrantsOnce(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	payload := checkoutEvent(t, eventCheckoutCompleted, checkoutPaymentStatusPaid, "cs_hook")
	for attempt, wantDuplicate := range []bool{false, true} {
		recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", payload, signedHeaders(payload))
		if recorder.Code != http.StatusOK {
			t.Fatalf("attempt %d status=%d body=%s", attempt, recorder.Code, recorder.Body.String())
		}
		body := decodeBody(t, recorder)
		if body["was_duplicate"] != wantDuplicate || remainingCredits(t, body) != 50 {
			t.Fatalf("attempt %d unexpected body %v", attempt, body)
		}
	}
	intentPayload, _ := json.Marshal(map[string]any{
		"id":   "evt_pi",
		"type": eventPaymentIntentSucceeded,
		"data": map[string]any{"object": map[string]any{
			"id": "pi_cs_hook", "object": "payment_intent", "amount_received": 999, "currency": "usd",
			"metadata": map[string]string{"user_id": "u7", "plan_id": "starter"},
		}},
	})
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", intentPayload, signedHeaders(intentPayload))
	if body := decodeBody(t, recorder); body["was_duplicate"] != true {
		t.Fatalf("expected intent redelivery to be duplicate, got %v", body)
	}
}

func TestStripeWebhookUnpaidCheckoutIsPending(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	unpaid := checkoutEvent(t, eventCheckoutCompleted, "unpaid", "cs_wait")
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", unpaid, signedHeaders(unpaid))
	if recorder.Code != http.StatusOK || decodeBody(t, recorder)["status"] != "pending" {
		t.Fatalf("unpaid status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	succeeded := checkoutEvent(t, eventCheckoutAsyncSucceeded, "paid", "cs_wait")
	recorder = server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", succeeded, signedHeaders(succeeded))
	body := decodeBody(t, recorder)
	if body["was_duplicate"] != false || remainingCredits(t, body) != 50 {
		t.Fatalf("unexpected async success body %v", body)
	}
}

func TestStripeWebhookRejectsBadSignatureAndIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	payload := checkoutEvent(t, eventCheckoutCompleted, checkoutPaymentStatusPaid, "cs_forged")
	forged := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", payload, map[string]string{stripeSignatureHeader: "t=1700000000,v1=deadbeef"})
	if forged.Code != http.StatusBadRequest || errorCode(t, forged) != errorCodeInvalidSignature {
		t.Fatalf("expected invalid_signature, got %d %s", forged.Code, forged.Body.String())
	}
	other := []byte(`{"id":"evt_other","type":"customer.created","data":{"object":{}}}`)
	ignored := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", other, signedHeaders(other))
	if ignored.Code != http.StatusOK || decodeBody(t, ignored)["ignored"] != true {
		t.Fatalf("expected ignored event, got %d %s", ignored.Code, ignored.Body.String())
	}
}

func TestMetricsEndpointExposesOperationCounters(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	server.do(t, http.MethodPost, "/api/users/u8/grants", map[string]any{"amount": 1})
	recorder := server.doWithHeaders(t, http.MethodGet, "/metrics", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `revoledger_ledger_operations_total{operation="grant",status="ok"} 1`) {
		t.Fatalf("expected grant counter in metrics output:\n%s", recorder.Body.String())
	}
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := NewRouter(Config{}, Dependencies{}); err != ErrMissingDependency {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func stripeObjectEvent(t *testing.T, eventID string, eventType string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": eventID, "type": eventType, "data": map[string]any{"object": object}})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func bareIntentEvent(t *testing.T, intentID string) []byte {
	t.Helper()
	return stripeObjectEvent(t, "evt_"+intentID, eventPaymentIntentSucceeded, map[string]any{
		"id": intentID, "object": "payment_intent", "amount_received": 999, "currency": "usd",
	})
}

func TestStripeWebhookIntentWithoutMetadataIsDuplicateOfCheckout(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	checkout := checkoutEvent(t, eventCheckoutCompleted, checkoutPaymentStatusPaid, "cs_bare")
	if recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", checkout, signedHeaders(checkout)); recorder.Code != http.StatusOK {
		t.Fatalf("checkout status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	for attempt := 0; attempt < 2; attempt++ {
		intent := bareIntentEvent(t, "pi_cs_bare")
		recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", intent, signedHeaders(intent))
		if recorder.Code != http.StatusOK {
			t.Fatalf("attempt %d status=%d body=%s", attempt, recorder.Code, recorder.Body.String())
		}
		body := decodeBody(t, recorder)
		balance := body["balance"].(map[string]any)
		if body["was_duplicate"] != true || balance["user_id"] != "u7" || balance["remaining_credits"].(float64) != 50 {
			t.Fatalf("attempt %d unexpected body %v", attempt, body)
		}
	}
}

func TestStripeWebhookIntentWithoutMetadataBeforeCheckoutIsIgnored(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	intent := bareIntentEvent(t, "pi_cs_early")
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", intent, signedHeaders(intent))
	if recorder.Code != http.StatusOK || decodeBody(t, recorder)["ignored"] != true {
		t.Fatalf("expected ignored intent, got %d %s", recorder.Code, recorder.Body.String())
	}
	checkout := checkoutEvent(t, eventCheckoutCompleted, checkoutPaymentStatusPaid, "cs_early")
	recorder = server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", checkout, signedHeaders(checkout))
	body := decodeBody(t, recorder)
	if body["was_duplicate"] != false || remainingCredits(t, body) != 50 {
		t.Fatalf("expected checkout to grant after ignored intent, got %v", body)
	}
}

func TestStripeWebhookIntentWithoutMetadataCompletesPendingCheckout(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	unpaid := checkoutEvent(t, eventCheckoutCompleted, "unpaid", "cs_later")
	if recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", unpaid, signedHeaders(unpaid)); decodeBody(t, recorder)["status"] != "pending" {
		t.Fatalf("expected pending checkout, got %s", recorder.Body.String())
	}
	intent := bareIntentEvent(t, "pi_cs_later")
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", intent, signedHeaders(intent))
	body := decodeBody(t, recorder)
	balance := body["balance"].(map[string]any)
	if body["was_duplicate"] != false || balance["user_id"] != "u7" || balance["remaining_credits"].(float64) != 50 {
		t.Fatalf("expected intent to complete the pending checkout, got %v", body)
	}
}

func TestStripeWebhookRequiresConfiguredSecret(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(cfg *Config) { cfg.StripeWebhookSecret = "" })
	payload := checkoutEvent(t, eventCheckoutCompleted, checkoutPaymentStatusPaid, "cs_unsigned")
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", payload, nil)
	if recorder.Code != http.StatusServiceUnavailable || errorCode(t, recorder) != errorCodeWebhookNotConfigured {
		t.Fatalf("expected 503 webhook_not_configured, got %d %s", recorder.Code, recorder.Body.String())
	}
	balance := server.do(t, http.MethodGet, "/api/users/u7/credits", nil)
	if remainingCredits(t, decodeBody(t, balance)) != 0 {
		t.Fatalf("unsigned webhook must not grant credits")
	}
}

func TestStripeWebhookRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	payload := stripeObjectEvent(t, "evt_big", eventCheckoutCompleted, map[string]any{
		"id": "cs_big", "object": "checkout.session", "metadata": map[string]string{"padding": strings.Repeat("x", maxWebhookBodyBytes)},
	})
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", payload, signedHeaders(payload))
	if recorder.Code != http.StatusRequestEntityTooLarge || errorCode(t, recorder) != errorCodePayloadTooLarge {
		t.Fatalf("expected 413 payload_too_large, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestUnpaidEventsWithUnknownPlanArePending(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	unpaid := stripeObjectEvent(t, "evt_enterprise", eventCheckoutCompleted, map[string]any{
		"id": "cs_enterprise", "object": "checkout.session", "payment_status": "unpaid", "amount_total": 0, "currency": "usd",
		"client_reference_id": "u10", "metadata": map[string]string{"plan_id": "enterprise"},
	})
	recorder := server.doWithHeaders(t, http.MethodPost, "/api/webhooks/stripe", unpaid, signedHeaders(unpaid))
	if recorder.Code != http.StatusOK || decodeBody(t, recorder)["status"] != "pending" {
		t.Fatalf("expected pending webhook, got %d %s", recorder.Code, recorder.Body.String())
	}
	reconcile := server.do(t, http.MethodPost, "/api/payments/reconcile", map[string]any{
		"session_id": "cs_unlisted", "user_id": "u10", "plan_id": "unlisted", "currency": "usd", "status": "pending",
	})
	if reconcile.Code != http.StatusOK || decodeBody(t, reconcile)["status"] != "pending" {
		t.Fatalf("expected pending reconcile, got %d %s", reconcile.Code, reconcile.Body.String())
	}
	completed := server.do(t, http.MethodPost, "/api/payments/reconcile", map[string]any{
		"session_id": "cs_unlisted", "user_id": "u10", "plan_id": "unlisted", "currency": "usd",
	})
	if completed.Code != http.StatusBadRequest || errorCode(t, completed) != errorCodeInvalidRequest {
		t.Fatalf("expected completion without credits to fail, got %d %s", completed.Code, completed.Body.String())
	}
}

func TestReconcileDuplicateLabelsBalanceWithStoredUser(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	payment := map[string]any{"session_id": "cs_owner", "user_id": "u11", "plan_id": "starter", "currency": "usd"}
	if recorder := server.do(t, http.MethodPost, "/api/payments/reconcile", payment); recorder.Code != http.StatusOK {
		t.Fatalf("reconcile status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payment["user_id"] = "u12"
	recorder := server.do(t, http.MethodPost, "/api/payments/reconcile", payment)
	body := decodeBody(t, recorder)
	balance := body["balance"].(map[string]any)
	if body["was_duplicate"] != true || balance["user_id"] != "u11" || balance["remaining_credits"].(float64) != 50 {
		t.Fatalf("expected duplicate labelled with the stored user, got %v", body)
	}
}
