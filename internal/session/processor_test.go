package session

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"AgentBazaar/internal/catalog"
	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/observability/alerting"
	"AgentBazaar/internal/settlement"
)

type stubCatalog struct {
	listings []catalog.Listing
}

func (c *stubCatalog) Search(string) []catalog.Listing {
	return c.listings
}

// stubNegotiator finishes every negotiation at a fixed fraction of the
// initial price, agreeing unless fail is set.
type stubNegotiator struct {
	mu       sync.Mutex
	fail     error
	agree    bool
	discount decimal.Decimal
	runs     int
}

func (n *stubNegotiator) Run(_ context.Context, neg *negotiation.Negotiation) (*negotiation.Negotiation, error) {
	n.mu.Lock()
	n.runs++
	n.mu.Unlock()
	if n.fail != nil {
		return nil, n.fail
	}
	neg.FinalPrice = neg.InitialPrice.Mul(n.discount)
	neg.Rounds = 1
	if n.agree {
		neg.Status = negotiation.StatusAgreed
	} else {
		neg.Status = negotiation.StatusRejected
	}
	return neg, nil
}

type stubSettler struct {
	mu       sync.Mutex
	err      error
	requests []settlement.Request
	status   settlement.Status
}

func (s *stubSettler) Settle(_ context.Context, req settlement.Request) (*settlement.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == "" {
		status = settlement.StatusSuccess
	}
	return &settlement.Result{
		Status:            status,
		TransactionRef:    "0xtx",
		AmountPaid:        req.Amount,
		VerifiedRecipient: req.SellerAddress,
	}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func testListings() []catalog.Listing {
	ceiling := decimal.NewFromInt(20)
	return []catalog.Listing{
		{
			ProductID:       "p-1",
			ProductName:     "mechanical keyboard",
			SellerID:        "seller-a",
			SellerName:      "Seller A",
			SellerAddress:   "0x1111111111111111111111111111111111111111",
			Price:           decimal.NewFromInt(1000),
			DiscountCeiling: &ceiling,
		},
		{
			ProductID:       "p-2",
			ProductName:     "mechanical keyboard pro",
			SellerID:        "seller-b",
			SellerName:      "Seller B",
			SellerAddress:   "0x2222222222222222222222222222222222222222",
			Price:           decimal.NewFromInt(900),
			DiscountCeiling: &ceiling,
		},
	}
}

func newTestSession(t *testing.T, store Store) *Session {
	t.Helper()
	budget := decimal.NewFromInt(950)
	sess := &Session{
		ID:           "sess-1",
		BuyerID:      "buyer-1",
		BuyerAddress: "0x3333333333333333333333333333333333333333",
		Query:        "keyboard",
		Budget:       &budget,
		Currency:     "USDC",
		Status:       StatusPending,
		MaxRetries:   3,
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestProcessorSettlesBestOffer(t *testing.T) {
	store := NewMemoryStore()
	sess := newTestSession(t, store)

	negotiator := &stubNegotiator{agree: true, discount: decimal.NewFromFloat(0.9)}
	settler := &stubSettler{}
	p := NewProcessor(store, nil, nil, &stubCatalog{listings: testListings()},
		func(int) Negotiator { return negotiator }, settler)

	if err := p.handle(context.Background(), sess.ID); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", got.Status)
	}
	if got.Outcome == nil || got.Outcome.Best == nil {
		t.Fatalf("expected recorded outcome with best offer")
	}
	if !got.Outcome.DealSuccessful {
		t.Fatalf("expected deal_successful to be true")
	}
	if got.Outcome.Best.Offer.SellerID != "seller-b" {
		t.Fatalf("expected cheapest agreed seller to win, got %s", got.Outcome.Best.Offer.SellerID)
	}
	if negotiator.runs != 2 {
		t.Fatalf("expected one negotiation per listing, got %d", negotiator.runs)
	}
	if len(settler.requests) != 1 {
		t.Fatalf("expected exactly one settlement request, got %d", len(settler.requests))
	}
	req := settler.requests[0]
	if req.SellerAddress != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("settlement went to wrong seller address: %s", req.SellerAddress)
	}
	if !req.Amount.Equal(decimal.NewFromInt(810)) {
		t.Fatalf("expected settlement amount 810, got %s", req.Amount)
	}
}

func TestProcessorSkipsSettlementWhenNoDeal(t *testing.T) {
	store := NewMemoryStore()
	sess := newTestSession(t, store)

	negotiator := &stubNegotiator{agree: false, discount: decimal.NewFromFloat(0.95)}
	settler := &stubSettler{}
	p := NewProcessor(store, nil, nil, &stubCatalog{listings: testListings()},
		func(int) Negotiator { return negotiator }, settler)

	if err := p.handle(context.Background(), sess.ID); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", got.Status)
	}
	if got.Outcome.DealSuccessful {
		t.Fatalf("rejected negotiations must not count as a deal")
	}
	if got.Outcome.Settlement != nil {
		t.Fatalf("expected no settlement result")
	}
	if len(settler.requests) != 0 {
		t.Fatalf("expected no settlement call, got %d", len(settler.requests))
	}
}

func TestProcessorNoListingsIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	sess := newTestSession(t, store)

	queue := NewMemoryQueue(4)
	p := NewProcessor(store, queue, queue, &stubCatalog{},
		func(int) Negotiator { return &stubNegotiator{agree: true, discount: decimal.NewFromInt(1)} }, nil)

	if err := p.handle(context.Background(), sess.ID); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
	if got.ErrorCode != string(CodeNoListings) {
		t.Fatalf("expected error code %s, got %s", CodeNoListings, got.ErrorCode)
	}
}

func TestProcessorRetryableFailureRepublishes(t *testing.T) {
	store := NewMemoryStore()
	sess := newTestSession(t, store)

	queue := NewMemoryQueue(4)
	negotiator := &stubNegotiator{fail: xerrors.New(xerrors.CodeTimeout, "decision timed out")}
	p := NewProcessor(store, queue, queue, &stubCatalog{listings: testListings()},
		func(int) Negotiator { return negotiator }, nil)

	if err := p.handle(context.Background(), sess.ID); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected session requeued as pending, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected one consumed attempt, got %d", got.Attempts)
	}
	select {
	case id := <-queue.ch:
		if id != sess.ID {
			t.Fatalf("republished wrong session id: %s", id)
		}
	default:
		t.Fatalf("expected session to be republished")
	}
}

func TestProcessorSettlementFailureAlerts(t *testing.T) {
	store := NewMemoryStore()
	sess := newTestSession(t, store)

	dispatcher := &recordingDispatcher{}
	settler := &stubSettler{err: xerrors.New(settlement.CodeVerificationFailed, "recipient mismatch")}
	p := NewProcessor(store, nil, nil, &stubCatalog{listings: testListings()},
		func(int) Negotiator { return &stubNegotiator{agree: true, discount: decimal.NewFromFloat(0.9)} },
		settler,
		WithAlertDispatcher(dispatcher))

	if err := p.handle(context.Background(), sess.ID); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("verification failures must terminate the session, got %s", got.Status)
	}
	if got.ErrorCode != string(settlement.CodeVerificationFailed) {
		t.Fatalf("expected error code %s, got %s", settlement.CodeVerificationFailed, got.ErrorCode)
	}
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.events) != 1 {
		t.Fatalf("expected one alert event, got %d", len(dispatcher.events))
	}
	if dispatcher.events[0].SessionID != sess.ID {
		t.Fatalf("alert carries wrong session id: %s", dispatcher.events[0].SessionID)
	}
}

func TestProcessorExhaustedSessionIsSkipped(t *testing.T) {
	store := NewMemoryStore()
	sess := newTestSession(t, store)
	for i := 0; i < sess.MaxRetries; i++ {
		if _, err := store.Claim(context.Background(), sess.ID); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := store.MarkFailed(context.Background(), sess.ID, string(CodeSessionProcessing), "boom", false); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
	}

	negotiator := &stubNegotiator{agree: true, discount: decimal.NewFromInt(1)}
	p := NewProcessor(store, nil, nil, &stubCatalog{listings: testListings()},
		func(int) Negotiator { return negotiator }, nil)

	if err := p.handle(context.Background(), sess.ID); err != nil {
		t.Fatalf("exhausted session should be skipped without error, got %v", err)
	}
	if negotiator.runs != 0 {
		t.Fatalf("exhausted session must not negotiate again, got %d runs", negotiator.runs)
	}
}
