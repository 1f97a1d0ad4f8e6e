package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/ledger"
	"github.com/vendaro/vendaro/internal/money"
)

type recordingPayout struct {
	requests []PayoutRequest
	err      error
}

func (r *recordingPayout) SubmitPayout(_ context.Context, req PayoutRequest) error {
	if r.err != nil {
		return r.err
	}
	r.requests = append(r.requests, req)
	return nil
}

func secretsFor(secret string) SecretSource {
	return func(string) string { return secret }
}

func newTestService(secret string, payout PayoutClient) (*Service, *ledger.Service) {
	l := ledger.New(ledger.NewMemoryStore(), fees.DefaultPolicy())
	return New(l, secretsFor(secret), payout), l
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	svc, _ := newTestService("topsecret", nil)
	body := []byte(`{"reference":"dep_1"}`)

	if err := svc.VerifySignature(Paystack, body, sign("topsecret", body)); err != nil {
		t.Errorf("Expected valid signature to pass, got %v", err)
	}
	if err := svc.VerifySignature(Paystack, body, sign("wrong", body)); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}
	if err := svc.VerifySignature(Paystack, body, ""); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature for missing signature, got %v", err)
	}

	// No secret configured disables verification.
	open, _ := newTestService("", nil)
	if err := open.VerifySignature(Paystack, body, ""); err != nil {
		t.Errorf("Expected verification disabled without secret, got %v", err)
	}
}

func TestHandleDeposit_CreditsOnce(t *testing.T) {
	svc, l := newTestService("", nil)
	ctx := context.Background()

	ev := Event{
		Provider:  Paystack,
		Reference: "dep_1",
		UserID:    "alice",
		Currency:  "NGN",
		Amount:    "100",
		Success:   true,
	}
	if err := svc.HandleDeposit(ctx, ev); err != nil {
		t.Fatalf("HandleDeposit failed: %v", err)
	}
	// Gateways retry callbacks; the replay must not credit twice.
	if err := svc.HandleDeposit(ctx, ev); err != nil {
		t.Fatalf("Replayed HandleDeposit failed: %v", err)
	}

	w, err := l.Balance(ctx, "alice", "NGN")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !w.Balance.Equal(money.MustParse("99.5")) {
		t.Errorf("Expected 99.5 after one credit, got %s", money.Format(w.Balance))
	}
}

func TestHandleDeposit_CompletesPendingIntent(t *testing.T) {
	svc, l := newTestService("", nil)
	ctx := context.Background()

	pending, err := l.InitiateDeposit(ctx, "alice", "NGN", money.MustParse("100"), "dep_1", nil)
	if err != nil {
		t.Fatalf("InitiateDeposit failed: %v", err)
	}

	if err := svc.HandleDeposit(ctx, Event{
		Provider: Paystack, Reference: "dep_1", UserID: "alice",
		Currency: "NGN", Amount: "100", Success: true,
	}); err != nil {
		t.Fatalf("HandleDeposit failed: %v", err)
	}

	txn, _ := l.Transaction(ctx, "dep_1")
	if txn.ID != pending.ID {
		t.Error("Expected the pending intent completed in place")
	}
	if txn.Status != ledger.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", txn.Status)
	}
}

func TestHandleDeposit_FailureSettlesWithoutRefund(t *testing.T) {
	svc, l := newTestService("", nil)
	ctx := context.Background()

	if _, err := l.InitiateDeposit(ctx, "alice", "NGN", money.MustParse("100"), "dep_1", nil); err != nil {
		t.Fatalf("InitiateDeposit failed: %v", err)
	}
	if err := svc.HandleDeposit(ctx, Event{
		Provider: Paystack, Reference: "dep_1", Success: false, Reason: "card declined",
	}); err != nil {
		t.Fatalf("HandleDeposit failure failed: %v", err)
	}

	txn, _ := l.Transaction(ctx, "dep_1")
	if txn.Status != ledger.StatusFailed {
		t.Errorf("Expected FAILED, got %s", txn.Status)
	}
	w, _ := l.Balance(ctx, "alice", "NGN")
	if !w.Balance.IsZero() {
		t.Errorf("Expected no refund for a deposit that never settled, got %s", money.Format(w.Balance))
	}

	// A failure callback for an unknown reference is acknowledged, not retried.
	if err := svc.HandleDeposit(ctx, Event{Provider: Paystack, Reference: "dep_missing", Success: false}); err != nil {
		t.Errorf("Expected unknown-reference failure to be swallowed, got %v", err)
	}
}

func TestInitiateWithdrawal(t *testing.T) {
	payout := &recordingPayout{}
	svc, l := newTestService("", payout)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "alice", "NGN", money.MustParse("1000"), fees.Deposit, "dep_1", "", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	txn, err := svc.InitiateWithdrawal(ctx, Paystack, "alice", "NGN", money.MustParse("200"), "wd_1", "0123456789")
	if err != nil {
		t.Fatalf("InitiateWithdrawal failed: %v", err)
	}
	if txn.Status != ledger.StatusProcessing {
		t.Errorf("Expected PROCESSING, got %s", txn.Status)
	}
	if len(payout.requests) != 1 {
		t.Fatalf("Expected 1 payout submission, got %d", len(payout.requests))
	}
	// The payout carries the net: gross minus the 0.5% fee.
	if !payout.requests[0].Amount.Equal(money.MustParse("199")) {
		t.Errorf("Expected payout of 199, got %s", money.Format(payout.requests[0].Amount))
	}

	if _, err := svc.InitiateWithdrawal(ctx, Provider("venmo"), "alice", "NGN", money.MustParse("10"), "wd_2", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}
}

func TestInitiateWithdrawal_SubmitFailureRefunds(t *testing.T) {
	payout := &recordingPayout{err: errors.New("gateway down")}
	svc, l := newTestService("", payout)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "alice", "NGN", money.MustParse("1000"), fees.Deposit, "dep_1", "", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	before, _ := l.Balance(ctx, "alice", "NGN")

	if _, err := svc.InitiateWithdrawal(ctx, Paystack, "alice", "NGN", money.MustParse("200"), "wd_1", ""); err == nil {
		t.Fatal("Expected withdrawal to fail when payout submission fails")
	}

	after, _ := l.Balance(ctx, "alice", "NGN")
	if !after.Balance.Equal(before.Balance) {
		t.Errorf("Expected balance restored to %s, got %s",
			money.Format(before.Balance), money.Format(after.Balance))
	}
	txn, _ := l.Transaction(ctx, "wd_1")
	if txn.Status != ledger.StatusFailed {
		t.Errorf("Expected FAILED, got %s", txn.Status)
	}
}

func TestHandlePayoutResult(t *testing.T) {
	payout := &recordingPayout{}
	svc, l := newTestService("", payout)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "alice", "NGN", money.MustParse("1000"), fees.Deposit, "dep_1", "", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := svc.InitiateWithdrawal(ctx, Paystack, "alice", "NGN", money.MustParse("200"), "wd_1", ""); err != nil {
		t.Fatalf("InitiateWithdrawal failed: %v", err)
	}

	if err := svc.HandlePayoutResult(ctx, Event{Reference: "wd_1", Success: true}); err != nil {
		t.Fatalf("HandlePayoutResult failed: %v", err)
	}
	txn, _ := l.Transaction(ctx, "wd_1")
	if txn.Status != ledger.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", txn.Status)
	}

	// Replays of the settled result are no-ops.
	if err := svc.HandlePayoutResult(ctx, Event{Reference: "wd_1", Success: false, Reason: "late failure"}); err != nil {
		t.Fatalf("Replayed result failed: %v", err)
	}
	txn, _ = l.Transaction(ctx, "wd_1")
	if txn.Status != ledger.StatusCompleted {
		t.Errorf("Expected terminal state untouched by replay, got %s", txn.Status)
	}
}

func TestHandleCallback_SignatureEnforced(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, l := newTestService("topsecret", nil)

	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/v1"))

	body := []byte(`{"kind":"deposit","reference":"dep_1","userId":"alice","currency":"NGN","amount":"100","success":true}`)

	// Unsigned callback is rejected.
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/paystack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned callback, got %d", rec.Code)
	}

	// Properly signed callback is applied.
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set("X-Paystack-Signature", sign("topsecret", body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for signed callback, got %d: %s", rec.Code, rec.Body.String())
	}

	w, _ := l.Balance(context.Background(), "alice", "NGN")
	if !w.Balance.Equal(money.MustParse("99.5")) {
		t.Errorf("Expected credited balance 99.5, got %s", money.Format(w.Balance))
	}

	// Unknown provider path 404s.
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/venmo", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown provider, got %d", rec.Code)
	}
}
