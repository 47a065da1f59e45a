package negotiation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"AgentBazaar/internal/decision"
)

// scriptedService 按角色回放预设的决策回复，脚本耗尽后重复最后一条。
type scriptedService struct {
	buyer  []decision.Response
	seller []decision.Response
	bi, si int
	err    error
}

func (s *scriptedService) Decide(_ context.Context, req decision.Request) (*decision.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	var script []decision.Response
	var idx *int
	if req.Role == decision.RoleBuyer {
		script, idx = s.buyer, &s.bi
	} else {
		script, idx = s.seller, &s.si
	}
	if len(script) == 0 {
		return nil, errors.New("no scripted response")
	}
	if *idx >= len(script) {
		*idx = len(script) - 1
	}
	resp := script[*idx]
	*idx++
	return &resp, nil
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func newTestNegotiation() *Negotiation {
	return &Negotiation{
		ID:              "neg-1",
		SessionID:       "sess-1",
		BuyerID:         "buyer-1",
		SellerID:        "seller-1",
		ProductID:       "p-1",
		ProductName:     "Mechanical Keyboard",
		InitialPrice:    dec(1000),
		Budget:          decPtr(850),
		DiscountCeiling: decPtr(20),
	}
}

func TestRunRoundTripAgreement(t *testing.T) {
	// 初始价 1000，折扣上限 20%（底价 800），预算 850。
	// 买方首轮开价 900（超预算，应被截断到 850），卖方回价 850，
	// 买方次轮接受，最终以 850 成交。
	svc := &scriptedService{
		buyer: []decision.Response{
			{Message: "How about 900?", Price: dec(900)},
			{Message: "Deal at 850.", Price: dec(850), Accept: true},
		},
		seller: []decision.Response{
			{Message: "Cannot go below 800, but 850 works.", Price: dec(850)},
		},
	}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg.Status != StatusAgreed {
		t.Fatalf("expected agreed, got %s", neg.Status)
	}
	if !neg.FinalPrice.Equal(dec(850)) {
		t.Fatalf("expected final price 850, got %s", neg.FinalPrice)
	}
	// 买方进入记录的每一条出价都不得超过预算。
	for _, turn := range neg.Transcript {
		if turn.Sender == decision.RoleBuyer && turn.Price.GreaterThan(dec(850)) {
			t.Fatalf("buyer proposal %s exceeds budget", turn.Price)
		}
	}
	if first := neg.Transcript[0]; !first.Price.Equal(dec(850)) || first.Accept {
		t.Fatalf("expected first buyer turn clamped to 850 with accept=false, got %+v", first)
	}
}

func TestRunOverBudgetAcceptanceNeverAgrees(t *testing.T) {
	// 卖方坚持以 900 接受，超出预算 850：谈判绝不能以 agreed 终止。
	svc := &scriptedService{
		buyer:  []decision.Response{{Message: "850 is my limit.", Price: dec(850)}},
		seller: []decision.Response{{Message: "Fine, 900 and it is yours.", Price: dec(900), Accept: true}},
	}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg.Status == StatusAgreed {
		t.Fatalf("over-budget acceptance must not end agreed, final price %s", neg.FinalPrice)
	}
	if neg.Rounds != defaultMaxRounds {
		t.Fatalf("expected loop to run all %d rounds, got %d", defaultMaxRounds, neg.Rounds)
	}
}

func TestRunStaleBuyerAcceptanceIsRevoked(t *testing.T) {
	// 卖方当前价超预算时买方的接受无效，循环继续而不是成交。
	svc := &scriptedService{
		buyer: []decision.Response{
			{Message: "Opening offer.", Price: dec(800)},
			{Message: "OK, accepted.", Price: dec(800), Accept: true},
		},
		seller: []decision.Response{{Message: "I want 900.", Price: dec(900)}},
	}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg.Status == StatusAgreed {
		t.Fatalf("acceptance against an over-budget price must not close the deal")
	}
}

func TestRunBuyerRejectTerminates(t *testing.T) {
	svc := &scriptedService{
		buyer:  []decision.Response{{Message: "Not interested.", Reject: true, Price: dec(1000)}},
		seller: []decision.Response{{Message: "unused", Price: dec(1000)}},
	}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", neg.Status)
	}
	// 终态之后不再追加任何提案。
	if len(neg.Transcript) != 1 {
		t.Fatalf("expected exactly one transcript entry, got %d", len(neg.Transcript))
	}
}

func TestRunRoundBound(t *testing.T) {
	svc := &scriptedService{
		buyer:  []decision.Response{{Message: "counter", Price: dec(700)}},
		seller: []decision.Response{{Message: "counter", Price: dec(840)}},
	}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc), WithMaxRounds(3))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg.Rounds != 3 {
		t.Fatalf("expected 3 rounds, got %d", neg.Rounds)
	}
	if neg.Status != StatusFailed {
		t.Fatalf("expected failed after exhausting rounds, got %s", neg.Status)
	}
	if len(neg.Transcript) != 6 {
		t.Fatalf("expected 6 transcript entries, got %d", len(neg.Transcript))
	}
}

func TestRunSellerAcceptWaitsForBuyerConfirmation(t *testing.T) {
	// 卖方在非最后一轮接受：不立即成交，买方下一回合确认后才算数。
	svc := &scriptedService{
		buyer: []decision.Response{
			{Message: "820?", Price: dec(820)},
			{Message: "Confirmed.", Price: dec(820), Accept: true},
		},
		seller: []decision.Response{{Message: "820 works.", Price: dec(820), Accept: true}},
	}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg.Status != StatusAgreed {
		t.Fatalf("expected agreed, got %s", neg.Status)
	}
	if !neg.FinalPrice.Equal(dec(820)) {
		t.Fatalf("expected final price 820, got %s", neg.FinalPrice)
	}
	if neg.Rounds != 2 {
		t.Fatalf("expected confirmation in round 2, got %d", neg.Rounds)
	}
}

func TestRunDecisionFailureFallsBack(t *testing.T) {
	// 决策服务整体不可用时走确定性降级，谈判仍然正常终止。
	svc := &scriptedService{err: errors.New("decision service down")}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !neg.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", neg.Status)
	}
	for _, turn := range neg.Transcript {
		if turn.Sender == decision.RoleBuyer && turn.Price.GreaterThan(dec(850)) {
			t.Fatalf("fallback buyer proposal %s exceeds budget", turn.Price)
		}
	}
}

// recordingRepo 记录持久化调用并可注入故障。
type recordingRepo struct {
	created int
	appends int
	updates int
	fail    bool
}

func (r *recordingRepo) CreateNegotiation(context.Context, *Negotiation) error {
	r.created++
	if r.fail {
		return errors.New("storage down")
	}
	return nil
}

func (r *recordingRepo) AppendMessage(context.Context, *Negotiation, Proposal) error {
	r.appends++
	if r.fail {
		return errors.New("storage down")
	}
	return nil
}

func (r *recordingRepo) UpdateNegotiation(context.Context, *Negotiation) error {
	r.updates++
	if r.fail {
		return errors.New("storage down")
	}
	return nil
}

func TestRunPersistenceFailureIsNonFatal(t *testing.T) {
	svc := &scriptedService{
		buyer:  []decision.Response{{Message: "Deal.", Price: dec(840), Accept: true}},
		seller: []decision.Response{{Message: "unused", Price: dec(1000)}},
	}
	repo := &recordingRepo{fail: true}
	orch := NewOrchestrator(NewBuyerAgent(svc), NewSellerAgent(svc), WithRepository(repo))

	neg, err := orch.Run(context.Background(), newTestNegotiation())
	if err != nil {
		t.Fatalf("persistence failure must not fail the negotiation: %v", err)
	}
	if neg.Status != StatusAgreed {
		t.Fatalf("expected agreed, got %s", neg.Status)
	}
	if repo.created != 1 || repo.appends == 0 || repo.updates != 1 {
		t.Fatalf("unexpected repo call counts: %+v", repo)
	}
}
