package session

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSubmitAppliesDefaultDryRun(t *testing.T) {
	queue := NewMemoryQueue(4)
	t.Cleanup(func() { _ = queue.Close() })
	svc := NewService(NewMemoryStore(), queue, 3, WithDefaultDryRun(true))

	budget := decimal.NewFromInt(950)
	sess, err := svc.Submit(context.Background(), SubmitRequest{
		Query:  "keyboard",
		Budget: &budget,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sess.DryRun {
		t.Fatalf("expected configured dry-run default to apply")
	}
}

func TestSubmitExplicitDryRunWinsOverDefault(t *testing.T) {
	queue := NewMemoryQueue(4)
	t.Cleanup(func() { _ = queue.Close() })
	svc := NewService(NewMemoryStore(), queue, 3)

	budget := decimal.NewFromInt(950)
	sess, err := svc.Submit(context.Background(), SubmitRequest{
		Query:  "keyboard",
		Budget: &budget,
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sess.DryRun {
		t.Fatalf("expected request dry-run flag to be honored")
	}

	other, err := svc.Submit(context.Background(), SubmitRequest{Query: "mouse", Budget: &budget})
	if err != nil {
		t.Fatalf("submit without flag: %v", err)
	}
	if other.DryRun {
		t.Fatalf("expected dry-run off when neither request nor default enables it")
	}
}
