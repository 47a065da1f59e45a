package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "AgentBazaar/internal/errors"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0x2222222222222222222222222222222222222222"
	otherAddr  = "0x3333333333333333333333333333333333333333"
)

// stubGateway 返回预设的意向与回执。
type stubGateway struct {
	intentAddress string
	receipt       TransferReceipt
	intentErr     error
	transferErr   error
}

func (g *stubGateway) CreatePaymentIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	address := g.intentAddress
	if address == "" {
		address = req.SellerAddress
	}
	return &Intent{ID: "intent-1", SettlementAddress: address, Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *stubGateway) ExecuteTransfer(context.Context, *Intent, string, AddressResolver) (*TransferReceipt, error) {
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	receipt := g.receipt
	if receipt.TransactionRef == "" {
		receipt.TransactionRef = "0xabc"
	}
	return &receipt, nil
}

// stubLedger 返回预设的链上收款方。
type stubLedger struct {
	recipient string
	err       error
}

func (l *stubLedger) TransferRecipient(context.Context, string) (string, error) {
	return l.recipient, l.err
}

// memoryEvidence 记录写入的凭据。
type memoryEvidence struct {
	records []*Evidence
	err     error
}

func (s *memoryEvidence) StoreEvidence(_ context.Context, record *Evidence) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.records = append(s.records, record)
	return "evidence-1", nil
}

func settleRequest() Request {
	return Request{
		NegotiationID: "neg-1",
		SessionID:     "sess-1",
		ProductID:     "p-1",
		ProductName:   "Mechanical Keyboard",
		BuyerAddress:  buyerAddr,
		SellerAddress: sellerAddr,
		Amount:        decimal.NewFromInt(850),
	}
}

func TestSettleSuccessUsesLedgerVerifiedRecipient(t *testing.T) {
	gateway := &stubGateway{receipt: TransferReceipt{
		TransactionRef:   "0xabc",
		ClaimedRecipient: otherAddr, // 自述值不可信，应被账本结果覆盖
		AmountPaid:       decimal.NewFromInt(850),
		ProtocolFee:      decimal.NewFromInt(1),
	}}
	evidence := &memoryEvidence{}
	exec := NewExecutor(gateway, &stubLedger{recipient: sellerAddr}, WithEvidenceStore(evidence))

	result, err := exec.Settle(context.Background(), settleRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if result.VerifiedRecipient != sellerAddr {
		t.Fatalf("expected ledger-verified recipient, got %s", result.VerifiedRecipient)
	}
	if len(evidence.records) != 1 || evidence.records[0].VerifiedRecipient != sellerAddr {
		t.Fatalf("expected one evidence record with verified recipient")
	}
	if result.EvidenceRef != "evidence-1" {
		t.Fatalf("expected evidence ref, got %q", result.EvidenceRef)
	}
}

func TestSettleBuyerRecipientIsFatal(t *testing.T) {
	// 转账调用声称成功，但账本显示资金回流买方：必须中止，绝不报告成功。
	gateway := &stubGateway{}
	exec := NewExecutor(gateway, &stubLedger{recipient: buyerAddr})

	result, err := exec.Settle(context.Background(), settleRequest())
	if err == nil || result != nil {
		t.Fatalf("expected fatal error, got result %+v", result)
	}
	if xerrors.CodeOf(err) != xerrors.CodeAddressMismatch {
		t.Fatalf("expected ADDRESS_MISMATCH, got %s", xerrors.CodeOf(err))
	}
}

func TestSettleThirdPartyRecipientIsFatal(t *testing.T) {
	exec := NewExecutor(&stubGateway{}, &stubLedger{recipient: otherAddr})

	_, err := exec.Settle(context.Background(), settleRequest())
	if xerrors.CodeOf(err) != xerrors.CodeAddressMismatch {
		t.Fatalf("expected ADDRESS_MISMATCH, got %v", err)
	}
}

func TestSettleLedgerFailureIsNotSuccess(t *testing.T) {
	exec := NewExecutor(&stubGateway{}, &stubLedger{err: errors.New("rpc down")})

	result, err := exec.Settle(context.Background(), settleRequest())
	if err == nil || result != nil {
		t.Fatalf("unverifiable settlement must not succeed")
	}
	if xerrors.CodeOf(err) != CodeVerificationFailed {
		t.Fatalf("expected SETTLEMENT_VERIFICATION_FAILED, got %s", xerrors.CodeOf(err))
	}
}

func TestSettleIntentAddressMismatchIsFatal(t *testing.T) {
	gateway := &stubGateway{intentAddress: otherAddr}
	exec := NewExecutor(gateway, &stubLedger{recipient: sellerAddr})

	_, err := exec.Settle(context.Background(), settleRequest())
	if xerrors.CodeOf(err) != xerrors.CodeAddressMismatch {
		t.Fatalf("expected ADDRESS_MISMATCH on broken intent binding, got %v", err)
	}
}

func TestSettlePreconditions(t *testing.T) {
	exec := NewExecutor(&stubGateway{}, &stubLedger{recipient: sellerAddr})

	req := settleRequest()
	req.SellerAddress = ""
	if _, err := exec.Settle(context.Background(), req); xerrors.CodeOf(err) != xerrors.CodeCounterpartyMissing {
		t.Fatalf("expected COUNTERPARTY_MISSING, got %v", err)
	}

	req = settleRequest()
	req.NegotiationID = "neg-2"
	req.BuyerAddress = req.SellerAddress
	if _, err := exec.Settle(context.Background(), req); xerrors.CodeOf(err) != xerrors.CodeAddressMismatch {
		t.Fatalf("expected ADDRESS_MISMATCH for identical addresses, got %v", err)
	}
}

func TestSettleAtMostOnce(t *testing.T) {
	exec := NewExecutor(&stubGateway{}, &stubLedger{recipient: sellerAddr})

	if _, err := exec.Settle(context.Background(), settleRequest()); err != nil {
		t.Fatalf("first settlement failed: %v", err)
	}
	_, err := exec.Settle(context.Background(), settleRequest())
	if xerrors.CodeOf(err) != CodeDuplicateSettlement {
		t.Fatalf("expected DUPLICATE_SETTLEMENT, got %v", err)
	}
}

func TestSettleFailedAttemptStillConsumesTheSlot(t *testing.T) {
	// 首次尝试失败后同一谈判也不允许再次结算。
	exec := NewExecutor(&stubGateway{transferErr: errors.New("gateway down")}, &stubLedger{recipient: sellerAddr})

	if _, err := exec.Settle(context.Background(), settleRequest()); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	_, err := exec.Settle(context.Background(), settleRequest())
	if xerrors.CodeOf(err) != CodeDuplicateSettlement {
		t.Fatalf("expected DUPLICATE_SETTLEMENT, got %v", err)
	}
}

func TestSettleDryRunSkipsTransfer(t *testing.T) {
	// dry_run 不触碰通道与账本。
	exec := NewExecutor(nil, nil)

	req := settleRequest()
	req.DryRun = true
	result, err := exec.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusDryRun {
		t.Fatalf("expected dry_run status, got %s", result.Status)
	}
	if !result.AmountPaid.Equal(decimal.NewFromInt(850)) {
		t.Fatalf("dry run must echo the amount that would be paid")
	}
}

func TestSettleEvidenceFailureIsNonFatal(t *testing.T) {
	evidence := &memoryEvidence{err: errors.New("storage down")}
	exec := NewExecutor(&stubGateway{}, &stubLedger{recipient: sellerAddr}, WithEvidenceStore(evidence))

	result, err := exec.Settle(context.Background(), settleRequest())
	if err != nil {
		t.Fatalf("evidence failure must not fail a verified settlement: %v", err)
	}
	if result.Status != StatusSuccess || result.EvidenceRef != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
