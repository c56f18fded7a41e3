package memory

import (
	"context"
	"errors"
	"testing"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

func TestReconcileProductRepairsCacheDrift(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	// Corrupt the cache directly; the ledger stays intact.
	s.mu.Lock()
	product := s.products["PRD-SUSU-01"]
	product.CachedQty = 99
	s.products["PRD-SUSU-01"] = product
	s.mu.Unlock()

	findings, err := s.ReconcileProduct(ctx, "PRD-SUSU-01", true)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %+v", findings)
	}
	disc := findings[0]
	if disc.Kind != domain.DiscrepancyStockDrift || !disc.Repaired {
		t.Fatalf("expected repaired stock drift, got %+v", disc)
	}
	if disc.CachedQty != 99 || disc.ExpectedQty != 48 {
		t.Fatalf("expected cached=99 expected=48, got %+v", disc)
	}

	summary, err := s.GetStockSummary(ctx, "PRD-SUSU-01")
	if err != nil {
		t.Fatalf("stock summary failed: %v", err)
	}
	if summary.CachedQty != 48 || summary.Discrepancy {
		t.Fatalf("expected cache restored to 48, got %+v", summary)
	}
}

func TestAppendMovementRejectsOversell(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.AppendMovement(ctx, "PRD-GULA-01", domain.MovementOut, 46, "manual-adjust")
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	movements, err := s.ListMovements(ctx, "PRD-GULA-01", 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("rejected movement must not be recorded, got %d entries", len(movements))
	}
}

func TestCreateSaleRejectsMissingIdempotencyKey(t *testing.T) {
	s := NewSeeded()

	_, err := s.CreateSale(context.Background(), domain.Sale{
		PaymentMethod: domain.PaymentCash,
		TotalCents:    3500,
		Lines: []domain.SaleLine{
			{ProductID: "PRD-MIE-01", Qty: 1, UnitPriceCents: 3500, SubtotalCents: 3500},
		},
	}, nil)
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale, got %v", err)
	}
}
