package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"tokoku/backend/internal/domain"
)

func TestSaleAndReconcileRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("TOKOKU_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOKU_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, 3*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("PRD-IT-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-it-%d", stamp)
	customerID := fmt.Sprintf("cust-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM loyalty_balances WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE idempotency_key = $1`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	product, err := s.CreateProduct(ctx, domain.Product{
		ID:         productID,
		Name:       "Produk Integrasi",
		Category:   "grocery",
		PriceCents: 5000,
	}, 10)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if product.CachedQty != 10 {
		t.Fatalf("expected cached 10 after initial stock, got %d", product.CachedQty)
	}

	sale, err := s.CreateSale(ctx, domain.Sale{
		IdempotencyKey: idempotencyKey,
		CustomerID:     customerID,
		PaymentMethod:  domain.PaymentCash,
		TotalCents:     15000,
		Lines: []domain.SaleLine{
			{ProductID: productID, Qty: 3, UnitPriceCents: 5000, SubtotalCents: 15000},
		},
	}, []domain.PointsAward{
		{CampaignID: "camp-it", BasePoints: 1, BonusPoints: 0, TotalPoints: 1},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var cached int
	if err := s.db.QueryRowContext(ctx, `SELECT cached_qty FROM products WHERE id = $1`, productID).Scan(&cached); err != nil {
		t.Fatalf("query cached qty: %v", err)
	}
	if cached != 7 {
		t.Fatalf("expected cached 7 after sale of 3, got %d", cached)
	}

	// A retry of the same payload returns the original sale without moving stock.
	retry, err := s.CreateSale(ctx, domain.Sale{
		IdempotencyKey: idempotencyKey,
		CustomerID:     customerID,
		PaymentMethod:  domain.PaymentCash,
		TotalCents:     15000,
		Lines: []domain.SaleLine{
			{ProductID: productID, Qty: 3, UnitPriceCents: 5000, SubtotalCents: 15000},
		},
	}, nil)
	if err != nil {
		t.Fatalf("retry sale: %v", err)
	}
	if retry.ID != sale.ID {
		t.Fatalf("expected retry to return sale %s, got %s", sale.ID, retry.ID)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT cached_qty FROM products WHERE id = $1`, productID).Scan(&cached); err != nil {
		t.Fatalf("query cached qty: %v", err)
	}
	if cached != 7 {
		t.Fatalf("expected cached unchanged at 7 after retry, got %d", cached)
	}

	// Inject a duplicate movement and verify repair restores ledger agreement.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, direction, qty, qty_before, qty_after, reference, sale_id, created_at)
		SELECT id || '-dup', product_id, direction, qty, qty_before, qty_after, reference, sale_id, created_at + interval '1 second'
		FROM stock_movements
		WHERE product_id = $1 AND direction = 'out'
		LIMIT 1
	`, productID); err != nil {
		t.Fatalf("inject duplicate movement: %v", err)
	}

	findings, err := s.ReconcileProduct(ctx, productID, true)
	if err != nil {
		t.Fatalf("reconcile product: %v", err)
	}
	sawDuplicate := false
	for _, disc := range findings {
		if disc.Kind == domain.DiscrepancyDuplicateMovement && disc.Repaired {
			sawDuplicate = true
		}
	}
	if !sawDuplicate {
		t.Fatalf("expected repaired duplicate finding, got %+v", findings)
	}

	summary, err := s.GetStockSummary(ctx, productID)
	if err != nil {
		t.Fatalf("stock summary: %v", err)
	}
	if summary.CachedQty != summary.LedgerQty {
		t.Fatalf("expected cache to match ledger after repair, got cached=%d ledger=%d", summary.CachedQty, summary.LedgerQty)
	}

	balances, err := s.GetLoyaltyBalances(ctx, customerID)
	if err != nil {
		t.Fatalf("loyalty balances: %v", err)
	}
	if len(balances) != 1 || balances[0].Points != 1 {
		t.Fatalf("expected one balance of 1 point, got %+v", balances)
	}
}
