package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/money"
)

type ledgerCall struct {
	userID    string
	currency  string
	amount    money.Amount
	fee       money.Amount
	reference string
}

// mockLedger records wallet operations for assertions.
type mockLedger struct {
	mu       sync.Mutex
	debits   []ledgerCall
	releases []ledgerCall
	refunds  []ledgerCall
	debitErr error
}

func (m *mockLedger) EscrowDebit(_ context.Context, buyerID, currency string, amount, fee money.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debitErr != nil {
		return m.debitErr
	}
	m.debits = append(m.debits, ledgerCall{buyerID, currency, amount, fee, reference})
	return nil
}

func (m *mockLedger) EscrowRelease(_ context.Context, sellerID, currency string, amount money.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, ledgerCall{sellerID, currency, amount, money.Zero, reference})
	return nil
}

func (m *mockLedger) EscrowRefund(_ context.Context, buyerID, currency string, amount money.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, ledgerCall{buyerID, currency, amount, money.Zero, reference})
	return nil
}

func (m *mockLedger) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.releases)
}

func newTestService() (*Service, *mockLedger, *MemoryStore) {
	store := NewMemoryStore()
	ledger := &mockLedger{}
	svc := NewService(store, ledger, fees.DefaultPolicy())
	return svc, ledger, store
}

func createFunded(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	escrow, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:  "buyer",
		SellerID: "seller",
		Currency: "NGN",
		Amount:   "10000",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	escrow, err = svc.Fund(context.Background(), escrow.ID, "buyer")
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	return escrow
}

func TestCreate_QuotesFee(t *testing.T) {
	svc, ledger, _ := newTestService()

	escrow, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:  "buyer",
		SellerID: "seller",
		Currency: "ngn",
		Amount:   "10000",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if escrow.Status != StatusPending {
		t.Errorf("Expected PENDING, got %s", escrow.Status)
	}
	if escrow.Currency != "NGN" {
		t.Errorf("Expected normalized currency NGN, got %s", escrow.Currency)
	}
	if !escrow.Fee.Equal(money.MustParse("50")) {
		t.Errorf("Expected fee 50, got %s", money.Format(escrow.Fee))
	}
	if len(ledger.debits) != 0 {
		t.Error("Expected no funds to move at creation")
	}
}

func TestCreate_SameParty(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:  "buyer",
		SellerID: "buyer",
		Currency: "NGN",
		Amount:   "100",
	})
	if !errors.Is(err, ErrSameParty) {
		t.Errorf("Expected ErrSameParty, got %v", err)
	}
}

func TestFund_DebitsAmountPlusFee(t *testing.T) {
	svc, ledger, _ := newTestService()

	escrow := createFunded(t, svc)
	if escrow.Status != StatusFunded {
		t.Errorf("Expected FUNDED, got %s", escrow.Status)
	}
	if escrow.AutoReleaseAt == nil {
		t.Fatal("Expected auto-release deadline to be set at funding")
	}

	if len(ledger.debits) != 1 {
		t.Fatalf("Expected 1 debit, got %d", len(ledger.debits))
	}
	debit := ledger.debits[0]
	if debit.userID != "buyer" {
		t.Errorf("Expected buyer debited, got %s", debit.userID)
	}
	if !debit.amount.Equal(money.MustParse("10000")) || !debit.fee.Equal(money.MustParse("50")) {
		t.Errorf("Expected amount 10000 with fee 50, got %s fee %s",
			money.Format(debit.amount), money.Format(debit.fee))
	}
	if debit.reference != escrow.ID+":fund" {
		t.Errorf("Expected escrow-scoped reference, got %s", debit.reference)
	}
}

func TestFund_OnlyBuyer(t *testing.T) {
	svc, _, _ := newTestService()

	escrow, _ := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})
	if _, err := svc.Fund(context.Background(), escrow.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestFund_Idempotent(t *testing.T) {
	svc, ledger, _ := newTestService()

	escrow := createFunded(t, svc)
	again, err := svc.Fund(context.Background(), escrow.ID, "buyer")
	if err != nil {
		t.Fatalf("Second fund failed: %v", err)
	}
	if again.Status != StatusFunded {
		t.Errorf("Expected FUNDED, got %s", again.Status)
	}
	if len(ledger.debits) != 1 {
		t.Errorf("Expected a single debit, got %d", len(ledger.debits))
	}
}

func TestConfirmDelivery_ReleasesToSeller(t *testing.T) {
	svc, ledger, _ := newTestService()

	escrow := createFunded(t, svc)
	released, err := svc.ConfirmDelivery(context.Background(), escrow.ID, "buyer")
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("Expected RELEASED, got %s", released.Status)
	}

	if len(ledger.releases) != 1 {
		t.Fatalf("Expected 1 release, got %d", len(ledger.releases))
	}
	rel := ledger.releases[0]
	if rel.userID != "seller" {
		t.Errorf("Expected seller credited, got %s", rel.userID)
	}
	// The seller gets the bare amount; the funding fee stays with the platform.
	if !rel.amount.Equal(money.MustParse("10000")) {
		t.Errorf("Expected release of 10000, got %s", money.Format(rel.amount))
	}
}

func TestConfirmDelivery_RequiresFunded(t *testing.T) {
	svc, _, _ := newTestService()

	escrow, _ := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})
	if _, err := svc.ConfirmDelivery(context.Background(), escrow.ID, "buyer"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on unfunded escrow, got %v", err)
	}
}

func TestConfirmDelivery_OnlyBuyer(t *testing.T) {
	svc, _, _ := newTestService()

	escrow := createFunded(t, svc)
	if _, err := svc.ConfirmDelivery(context.Background(), escrow.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestAcceptReject(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})

	if _, err := svc.Accept(ctx, escrow.ID, "buyer"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected only seller to accept, got %v", err)
	}
	accepted, err := svc.Accept(ctx, escrow.ID, "seller")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if accepted.AcceptedAt == nil {
		t.Error("Expected AcceptedAt to be set")
	}

	other, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})
	rejected, err := svc.Reject(ctx, other.ID, "seller", "out of stock")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", rejected.Status)
	}
	if _, err := svc.Fund(ctx, other.ID, "buyer"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected funding a rejected escrow to fail, got %v", err)
	}
}

func TestCancel_BeforeFunding(t *testing.T) {
	svc, ledger, _ := newTestService()
	ctx := context.Background()

	escrow, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})
	cancelled, err := svc.Cancel(ctx, escrow.ID, "seller")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}
	if len(ledger.refunds) != 0 {
		t.Error("Expected no refund when nothing was funded")
	}
}

func TestCancel_AfterFundingRefundsBuyer(t *testing.T) {
	svc, ledger, _ := newTestService()
	ctx := context.Background()

	funded := createFunded(t, svc)
	cancelled, err := svc.Cancel(ctx, funded.ID, "buyer")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusRefunded {
		t.Errorf("Expected REFUNDED, got %s", cancelled.Status)
	}
	if cancelled.Resolution != "cancelled" {
		t.Errorf("Expected cancelled resolution, got %s", cancelled.Resolution)
	}

	if len(ledger.refunds) != 1 {
		t.Fatalf("Expected 1 refund, got %d", len(ledger.refunds))
	}
	// Everything the buyer paid in comes back: amount plus the funding fee.
	refund := ledger.refunds[0]
	if refund.userID != "buyer" {
		t.Errorf("Expected buyer refunded, got %s", refund.userID)
	}
	if !refund.amount.Equal(money.MustParse("10050")) {
		t.Errorf("Expected refund of 10050, got %s", money.Format(refund.amount))
	}
	if len(ledger.releases) != 0 {
		t.Error("Expected nothing paid to the seller")
	}

	// Terminal: a second cancel moves no more money.
	if _, err := svc.Cancel(ctx, funded.ID, "seller"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}
	if len(ledger.refunds) != 1 {
		t.Errorf("Expected refund once, got %d", len(ledger.refunds))
	}
}

func TestCancel_DisputedRejected(t *testing.T) {
	svc, ledger, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)
	if _, err := svc.Dispute(ctx, escrow.ID, "buyer", "damaged"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, escrow.ID, "buyer"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus cancelling a disputed escrow, got %v", err)
	}
	if len(ledger.refunds) != 0 {
		t.Error("Expected disputed funds to stay frozen")
	}
}

func TestDispute_FreezesFunds(t *testing.T) {
	svc, ledger, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)
	disputed, err := svc.Dispute(ctx, escrow.ID, "buyer", "item never arrived")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("Expected DISPUTED, got %s", disputed.Status)
	}
	if len(ledger.releases) != 0 || len(ledger.refunds) != 0 {
		t.Error("Expected funds frozen during dispute")
	}

	// Auto-release must not fire on a disputed escrow.
	if err := svc.AutoRelease(ctx, escrow.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected auto-release blocked, got %v", err)
	}
}

func TestDispute_EitherParty(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)
	if _, err := svc.Dispute(ctx, escrow.ID, "stranger", "not mine"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for outsider, got %v", err)
	}

	disputed, err := svc.Dispute(ctx, escrow.ID, "seller", "buyer claims non-delivery falsely")
	if err != nil {
		t.Fatalf("Seller dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("Expected DISPUTED, got %s", disputed.Status)
	}
	if disputed.DisputeReason != "buyer claims non-delivery falsely" {
		t.Errorf("Unexpected dispute reason %q", disputed.DisputeReason)
	}
}

func TestResolveDispute_Refund(t *testing.T) {
	svc, ledger, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)
	if _, err := svc.Dispute(ctx, escrow.ID, "buyer", "not as described"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	resolved, err := svc.ResolveDispute(ctx, escrow.ID, ResolveRequest{Resolution: "refund", Reason: "seller no-show"})
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("Expected REFUNDED, got %s", resolved.Status)
	}

	if len(ledger.refunds) != 1 {
		t.Fatalf("Expected 1 refund, got %d", len(ledger.refunds))
	}
	// A refund makes the buyer whole: amount plus the funding fee.
	if !ledger.refunds[0].amount.Equal(money.MustParse("10050")) {
		t.Errorf("Expected refund of 10050, got %s", money.Format(ledger.refunds[0].amount))
	}
}

func TestResolveDispute_Release(t *testing.T) {
	svc, ledger, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)
	if _, err := svc.Dispute(ctx, escrow.ID, "buyer", "slow shipping"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	resolved, err := svc.ResolveDispute(ctx, escrow.ID, ResolveRequest{Resolution: "release"})
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusReleased {
		t.Errorf("Expected RELEASED, got %s", resolved.Status)
	}
	if len(ledger.releases) != 1 {
		t.Errorf("Expected 1 release, got %d", len(ledger.releases))
	}
}

func TestResolveDispute_RequiresDisputed(t *testing.T) {
	svc, _, _ := newTestService()

	escrow := createFunded(t, svc)
	_, err := svc.ResolveDispute(context.Background(), escrow.ID, ResolveRequest{Resolution: "refund"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestAutoRelease(t *testing.T) {
	svc, ledger, _ := newTestService()
	svc.WithAutoRelease(time.Millisecond)
	ctx := context.Background()

	escrow := createFunded(t, svc)
	time.Sleep(5 * time.Millisecond)

	if err := svc.AutoRelease(ctx, escrow.ID); err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if ledger.releaseCount() != 1 {
		t.Errorf("Expected 1 release, got %d", ledger.releaseCount())
	}

	fresh, _ := svc.Get(ctx, escrow.ID)
	if fresh.Status != StatusReleased {
		t.Errorf("Expected RELEASED, got %s", fresh.Status)
	}
	if fresh.Resolution != "auto_released" {
		t.Errorf("Expected auto_released resolution, got %s", fresh.Resolution)
	}

	// Already terminal: a second pass is rejected, funds move once.
	if err := svc.AutoRelease(ctx, escrow.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}
	if ledger.releaseCount() != 1 {
		t.Errorf("Expected release once, got %d", ledger.releaseCount())
	}
}

func TestAutoRelease_BeforeDeadline(t *testing.T) {
	svc, ledger, _ := newTestService()

	escrow := createFunded(t, svc)
	if err := svc.AutoRelease(context.Background(), escrow.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus before deadline, got %v", err)
	}
	if ledger.releaseCount() != 0 {
		t.Error("Expected no release before deadline")
	}
}

func TestConcurrentConfirmAndAutoRelease(t *testing.T) {
	svc, ledger, _ := newTestService()
	svc.WithAutoRelease(time.Millisecond)
	ctx := context.Background()

	escrow := createFunded(t, svc)
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.ConfirmDelivery(ctx, escrow.ID, "buyer")
		}()
		go func() {
			defer wg.Done()
			_ = svc.AutoRelease(ctx, escrow.ID)
		}()
	}
	wg.Wait()

	if ledger.releaseCount() != 1 {
		t.Errorf("Expected exactly one release under contention, got %d", ledger.releaseCount())
	}
}

func TestCreateAndFund(t *testing.T) {
	svc, ledger, _ := newTestService()

	escrow, err := svc.CreateAndFund(context.Background(), CreateRequest{
		BuyerID:  "buyer",
		SellerID: "seller",
		Currency: "NGN",
		Amount:   "10000",
	})
	if err != nil {
		t.Fatalf("CreateAndFund failed: %v", err)
	}
	if escrow.Status != StatusFunded {
		t.Errorf("Expected FUNDED, got %s", escrow.Status)
	}
	if escrow.FundedAt == nil || escrow.AutoReleaseAt == nil {
		t.Error("Expected funding timestamps to be set")
	}
	if len(ledger.debits) != 1 {
		t.Fatalf("Expected 1 debit, got %d", len(ledger.debits))
	}
	if !ledger.debits[0].amount.Equal(money.MustParse("10000")) || !ledger.debits[0].fee.Equal(money.MustParse("50")) {
		t.Errorf("Expected debit of 10000 with fee 50, got %s fee %s",
			money.Format(ledger.debits[0].amount), money.Format(ledger.debits[0].fee))
	}
}

func TestCreateAndFund_NoEscrowOnDebitFailure(t *testing.T) {
	svc, ledger, store := newTestService()
	ledger.debitErr = errors.New("insufficient funds")

	_, err := svc.CreateAndFund(context.Background(), CreateRequest{
		BuyerID:  "buyer",
		SellerID: "seller",
		Currency: "NGN",
		Amount:   "10000",
	})
	if err == nil {
		t.Fatal("Expected CreateAndFund to fail when the debit fails")
	}

	// The buyer could not pay, so no escrow may exist in any state.
	escrows, err := store.ListByUser(context.Background(), "buyer", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(escrows) != 0 {
		t.Fatalf("Expected no escrow rows after failed debit, got %d", len(escrows))
	}
}

func TestExtendDeadline_EitherParty(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)
	before := *escrow.AutoReleaseAt

	if _, err := svc.ExtendDeadline(ctx, escrow.ID, "stranger", time.Hour); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for outsider, got %v", err)
	}

	extended, err := svc.ExtendDeadline(ctx, escrow.ID, "seller", time.Hour)
	if err != nil {
		t.Fatalf("Seller extend failed: %v", err)
	}
	if !extended.AutoReleaseAt.Equal(before.Add(time.Hour)) {
		t.Errorf("Expected deadline %v, got %v", before.Add(time.Hour), extended.AutoReleaseAt)
	}

	again, err := svc.ExtendDeadline(ctx, escrow.ID, "buyer", 30*time.Minute)
	if err != nil {
		t.Fatalf("Buyer extend failed: %v", err)
	}
	if !again.AutoReleaseAt.Equal(before.Add(90 * time.Minute)) {
		t.Errorf("Expected deadline %v, got %v", before.Add(90*time.Minute), again.AutoReleaseAt)
	}
}

func TestSweepStalePending(t *testing.T) {
	svc, _, store := newTestService()
	ctx := context.Background()

	stale, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})
	// Age the escrow past the cutoff.
	aged, _ := store.Get(ctx, stale.ID)
	aged.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	if err := store.Update(ctx, aged, StatusPending); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fresh, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "200",
	})

	n, err := svc.SweepStalePending(ctx, 7*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("SweepStalePending failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 cancelled, got %d", n)
	}

	swept, _ := svc.Get(ctx, stale.ID)
	if swept.Status != StatusCancelled || swept.Resolution != "expired_unfunded" {
		t.Errorf("Expected stale escrow cancelled as expired_unfunded, got %s/%s", swept.Status, swept.Resolution)
	}
	kept, _ := svc.Get(ctx, fresh.ID)
	if kept.Status != StatusPending {
		t.Errorf("Expected fresh escrow untouched, got %s", kept.Status)
	}
}

func TestFund_CompensatesOnStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	ledger := &mockLedger{}
	svc := NewService(&failingUpdateStore{Store: store}, ledger, fees.DefaultPolicy())
	ctx := context.Background()

	escrow, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer", SellerID: "seller", Currency: "NGN", Amount: "100",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.Fund(ctx, escrow.ID, "buyer"); err == nil {
		t.Fatal("Expected fund to fail when the store update fails")
	}
	if len(ledger.refunds) != 1 {
		t.Fatalf("Expected compensating refund, got %d", len(ledger.refunds))
	}
	if !ledger.refunds[0].amount.Equal(money.MustParse("100.5")) {
		t.Errorf("Expected refund of amount+fee (100.5), got %s", money.Format(ledger.refunds[0].amount))
	}
}

// failingUpdateStore fails every Update to exercise compensation paths.
type failingUpdateStore struct {
	Store
}

func (f *failingUpdateStore) Update(context.Context, *Escrow, Status) error {
	return errors.New("store unavailable")
}

func TestMemoryStoreUpdate_StatusGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Escrow{
		ID:       "esc_guard",
		BuyerID:  "buyer",
		SellerID: "seller",
		Currency: "NGN",
		Amount:   money.MustParse("100"),
		Status:   StatusFunded,
	}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// First writer wins the funded -> refunded transition.
	e.Status = StatusRefunded
	if err := store.Update(ctx, e, StatusFunded); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// A stale writer that still believes the escrow is funded must lose,
	// not overwrite the refund.
	stale := *e
	stale.Status = StatusReleased
	if err := store.Update(ctx, &stale, StatusFunded); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Expected ErrInvalidStatus for stale writer, got %v", err)
	}
	current, _ := store.Get(ctx, e.ID)
	if current.Status != StatusRefunded {
		t.Errorf("Expected REFUNDED preserved, got %s", current.Status)
	}

	if err := store.Update(ctx, &Escrow{ID: "esc_missing", Status: StatusFunded}, StatusFunded); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestMessages(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createFunded(t, svc)

	if _, err := svc.SendMessage(ctx, escrow.ID, "stranger", "hello"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for outsider, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, escrow.ID, "buyer", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}

	first, err := svc.SendMessage(ctx, escrow.ID, "buyer", "has it shipped?")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if first.Role != "buyer" {
		t.Errorf("Expected buyer role, got %s", first.Role)
	}
	if _, err := svc.SendMessage(ctx, escrow.ID, "seller", "yes, tracking inbound"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	msgs, err := svc.Messages(ctx, escrow.ID, "seller", 0)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "buyer" || msgs[1].Role != "seller" {
		t.Error("Expected oldest-first ordering")
	}

	if _, err := svc.Messages(ctx, escrow.ID, "stranger", 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized reading as outsider, got %v", err)
	}
}
