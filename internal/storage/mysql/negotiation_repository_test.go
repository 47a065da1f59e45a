package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentBazaar/internal/decision"
	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/settlement"
)

func TestMemoryRepositoryRoundTrip(t *testing.T) {
	repo, err := NewMemoryNegotiationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	ctx := context.Background()
	neg := &negotiation.Negotiation{
		ID:           "neg-1",
		SessionID:    "sess-1",
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		ProductID:    "p-1",
		ProductName:  "Mechanical Keyboard",
		InitialPrice: decimal.NewFromInt(1000),
		Status:       negotiation.StatusInProgress,
	}

	if err := repo.CreateNegotiation(ctx, neg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.AppendMessage(ctx, neg, negotiation.Proposal{Round: 1, Message: "offer", Price: decimal.NewFromInt(900)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	neg.Status = negotiation.StatusAgreed
	neg.FinalPrice = decimal.NewFromInt(850)
	if err := repo.UpdateNegotiation(ctx, neg); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMemoryRepositoryListMessagesReplaysTranscript(t *testing.T) {
	repo, err := NewMemoryNegotiationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	ctx := context.Background()
	first := &negotiation.Negotiation{ID: "neg-1", InitialPrice: decimal.NewFromInt(1000)}
	other := &negotiation.Negotiation{ID: "neg-2", InitialPrice: decimal.NewFromInt(500)}

	messages := []negotiation.Proposal{
		{Round: 1, Sender: decision.RoleBuyer, Message: "counter", Price: decimal.NewFromInt(900)},
		{Round: 1, Sender: decision.RoleSeller, Message: "deal", Price: decimal.NewFromInt(920), Accept: true},
	}
	for _, msg := range messages {
		if err := repo.AppendMessage(ctx, first, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := repo.AppendMessage(ctx, other, negotiation.Proposal{Round: 1, Message: "noise", Price: decimal.NewFromInt(480)}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	transcript, err := repo.ListMessages(ctx, "neg-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(transcript))
	}
	if transcript[0].Sender != decision.RoleBuyer || !transcript[0].Price.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("unexpected first message: %+v", transcript[0])
	}
	if !transcript[1].Accept || transcript[1].Message != "deal" {
		t.Fatalf("unexpected second message: %+v", transcript[1])
	}

	empty, err := repo.ListMessages(ctx, "neg-unknown")
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty transcript for unknown negotiation, got %d", len(empty))
	}
}

func TestMemoryRepositoryEvidenceAtMostOnce(t *testing.T) {
	dataDir := t.TempDir()
	repo, err := NewMemoryNegotiationRepository(dataDir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	ctx := context.Background()
	record := &settlement.Evidence{
		NegotiationID:     "neg-1",
		ProductID:         "p-1",
		ProductName:       "Mechanical Keyboard",
		Price:             decimal.NewFromInt(850),
		BuyerAddress:      "0x01",
		SellerAddress:     "0x02",
		TransactionRef:    "0xabc",
		VerifiedRecipient: "0x02",
		CreatedAt:         time.Now(),
	}

	ref, err := repo.StoreEvidence(ctx, record)
	if err != nil {
		t.Fatalf("store evidence: %v", err)
	}
	if ref == "" {
		t.Fatalf("expected non-empty evidence ref")
	}

	if _, err := repo.StoreEvidence(ctx, record); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT on duplicate evidence, got %v", err)
	}

	// 重启后的仓库仍然拒绝重复凭据。
	reopened, err := NewMemoryNegotiationRepository(dataDir)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	if _, err := reopened.StoreEvidence(ctx, record); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT after reopen, got %v", err)
	}
}
