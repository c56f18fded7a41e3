package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}

	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// begin opens a transaction with a bounded row-lock wait so a sale blocked on
// a contended product row surfaces ErrBusy instead of waiting forever.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, cached_qty, active, created_at
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.CachedQty, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || initialStock < 0 {
		return nil, store.ErrInvalidSale
	}

	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, cached_qty, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,now())
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	product.CachedQty = 0
	if initialStock > 0 {
		movement, err := s.appendMovementTx(ctx, tx, product.ID, domain.MovementIn, initialStock, domain.InitialStockReference, "")
		if err != nil {
			return nil, err
		}
		product.CachedQty = movement.QtyAfter
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, cached_qty, active, created_at
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.CachedQty, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// appendMovementTx is the single mutation path for the stock cache. It takes
// the product's row lock, snapshots the cached quantity, inserts the movement
// and writes the new cached value, all inside the caller's transaction.
func (s *Store) appendMovementTx(ctx context.Context, tx *sql.Tx, productID string, direction string, qty int, reference string, saleID string) (*domain.Movement, error) {
	if qty < 1 {
		return nil, store.ErrInvalidSale
	}
	if direction != domain.MovementIn && direction != domain.MovementOut {
		return nil, store.ErrInvalidSale
	}

	var before int
	err := tx.QueryRowContext(ctx, `
		SELECT cached_qty
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&before)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isLockTimeout(err) {
			return nil, store.ErrBusy
		}
		return nil, err
	}

	after := before + qty
	if direction == domain.MovementOut {
		after = before - qty
		if after < 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	movement := domain.Movement{
		ID:        xid.New("mv"),
		ProductID: productID,
		Direction: direction,
		Qty:       qty,
		QtyBefore: before,
		QtyAfter:  after,
		Reference: reference,
		SaleID:    saleID,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, direction, qty, qty_before, qty_after, reference, sale_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.ProductID, movement.Direction, movement.Qty, movement.QtyBefore, movement.QtyAfter, movement.Reference, nullIfEmpty(movement.SaleID), movement.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET cached_qty = $2, updated_at = now()
		WHERE id = $1
	`, productID, after)
	if err != nil {
		return nil, err
	}

	return &movement, nil
}

func (s *Store) AppendMovement(ctx context.Context, productID string, direction string, qty int, reference string) (*domain.Movement, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	movement, err := s.appendMovementTx(ctx, tx, productID, direction, qty, reference, "")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return movement, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.Movement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, direction, qty, qty_before, qty_after, reference, sale_id, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.Movement, 0, limit)
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, awards []domain.PointsAward) (*domain.Sale, error) {
	if sale.IdempotencyKey == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, idempotency_key, customer_id, payment_method, total_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.IdempotencyKey, nullIfEmpty(sale.CustomerID), sale.PaymentMethod, sale.TotalCents, sale.Status, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent retry won the race; return its result instead.
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	reference := "sale_id=" + sale.ID
	for i := range sale.Lines {
		line := &sale.Lines[i]
		line.SaleID = sale.ID

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, qty, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, line.SaleID, line.ProductID, line.Qty, line.UnitPriceCents, line.SubtotalCents)
		if err != nil {
			return nil, err
		}

		if _, err := s.appendMovementTx(ctx, tx, line.ProductID, domain.MovementOut, line.Qty, reference, sale.ID); err != nil {
			return nil, err
		}
	}

	for _, award := range awards {
		if sale.CustomerID == "" || award.TotalPoints < 1 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO loyalty_balances (customer_id, campaign_id, points, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (customer_id, campaign_id)
			DO UPDATE SET points = loyalty_balances.points + EXCLUDED.points, updated_at = now()
		`, sale.CustomerID, award.CampaignID, award.TotalPoints)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", saleID)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var customerID sql.NullString

	query := fmt.Sprintf(`
		SELECT id, idempotency_key, customer_id, payment_method, total_cents, status, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.IdempotencyKey,
		&customerID,
		&sale.PaymentMethod,
		&sale.TotalCents,
		&sale.Status,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, qty, unit_price_cents, subtotal_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.SaleID, &line.ProductID, &line.Qty, &line.UnitPriceCents, &line.SubtotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

func (s *Store) CreateCampaign(ctx context.Context, campaign domain.Campaign) (*domain.Campaign, error) {
	if campaign.Name == "" || campaign.RateCents < 1 || !campaign.EndDate.After(campaign.StartDate) {
		return nil, store.ErrInvalidSale
	}
	if campaign.ID == "" {
		campaign.ID = xid.New("camp")
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = time.Now().UTC()
	}
	if campaign.MethodBonus == nil {
		campaign.MethodBonus = domain.DefaultMethodBonus
	}

	bonus, err := json.Marshal(campaign.MethodBonus)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, rate_cents, method_bonus, start_date, end_date, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,$7)
	`, campaign.ID, campaign.Name, campaign.RateCents, bonus, campaign.StartDate, campaign.EndDate, campaign.CreatedAt)
	if err != nil {
		return nil, err
	}

	campaign.Active = true
	created := campaign
	return &created, nil
}

func (s *Store) ListActiveCampaigns(ctx context.Context, at time.Time) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rate_cents, method_bonus, start_date, end_date, active, created_at
		FROM campaigns
		WHERE active = true AND start_date <= $1 AND end_date >= $1
		ORDER BY created_at ASC
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := make([]domain.Campaign, 0, 8)
	for rows.Next() {
		var campaign domain.Campaign
		var bonus []byte
		if err := rows.Scan(&campaign.ID, &campaign.Name, &campaign.RateCents, &bonus, &campaign.StartDate, &campaign.EndDate, &campaign.Active, &campaign.CreatedAt); err != nil {
			return nil, err
		}
		if len(bonus) > 0 {
			if err := json.Unmarshal(bonus, &campaign.MethodBonus); err != nil {
				return nil, err
			}
		}
		campaign.StartDate = campaign.StartDate.UTC()
		campaign.EndDate = campaign.EndDate.UTC()
		campaign.CreatedAt = campaign.CreatedAt.UTC()
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (s *Store) GetLoyaltyBalances(ctx context.Context, customerID string) ([]domain.LoyaltyBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, campaign_id, points, updated_at
		FROM loyalty_balances
		WHERE customer_id = $1
		ORDER BY campaign_id ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make([]domain.LoyaltyBalance, 0, 8)
	for rows.Next() {
		var bal domain.LoyaltyBalance
		if err := rows.Scan(&bal.CustomerID, &bal.CampaignID, &bal.Points, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		bal.UpdatedAt = bal.UpdatedAt.UTC()
		balances = append(balances, bal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

func (s *Store) GetStockSummary(ctx context.Context, productID string) (*domain.StockSummary, error) {
	summary := domain.StockSummary{ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT p.cached_qty,
			COALESCE(SUM(CASE WHEN m.direction = 'in' THEN m.qty WHEN m.direction = 'out' THEN -m.qty ELSE 0 END), 0)
		FROM products p
		LEFT JOIN stock_movements m ON m.product_id = p.id
		WHERE p.id = $1
		GROUP BY p.cached_qty
	`, productID).Scan(&summary.CachedQty, &summary.LedgerQty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	summary.Discrepancy = summary.CachedQty != summary.LedgerQty
	return &summary, nil
}

func (s *Store) ListProductIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 128)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReconcileProduct audits one product under its row lock: duplicate movements
// first (so the recomputed total reflects any removals), then cache drift.
// Holding the same lock as the sale path keeps repairs from racing a live
// sale's read-then-write sequence.
func (s *Store) ReconcileProduct(ctx context.Context, productID string, repair bool) ([]domain.Discrepancy, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cached int
	err = tx.QueryRowContext(ctx, `
		SELECT cached_qty
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&cached)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isLockTimeout(err) {
			return nil, store.ErrBusy
		}
		return nil, err
	}

	discrepancies := make([]domain.Discrepancy, 0, 4)

	dupRows, err := tx.QueryContext(ctx, `
		SELECT reference, direction, COUNT(*)
		FROM stock_movements
		WHERE product_id = $1 AND reference <> ''
		GROUP BY reference, direction
		HAVING COUNT(*) > 1
	`, productID)
	if err != nil {
		return nil, err
	}
	type dupGroup struct {
		reference string
		direction string
		count     int
	}
	groups := make([]dupGroup, 0, 4)
	for dupRows.Next() {
		var g dupGroup
		if err := dupRows.Scan(&g.reference, &g.direction, &g.count); err != nil {
			_ = dupRows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := dupRows.Err(); err != nil {
		_ = dupRows.Close()
		return nil, err
	}
	_ = dupRows.Close()

	for _, g := range groups {
		disc := domain.Discrepancy{
			Kind:      domain.DiscrepancyDuplicateMovement,
			ProductID: productID,
			Detail:    fmt.Sprintf("reference=%s direction=%s count=%d", g.reference, g.direction, g.count),
		}
		if repair {
			// Keep the earliest movement, drop the rest.
			res, err := tx.ExecContext(ctx, `
				DELETE FROM stock_movements
				WHERE product_id = $1 AND reference = $2 AND direction = $3
					AND id <> (
						SELECT id FROM stock_movements
						WHERE product_id = $1 AND reference = $2 AND direction = $3
						ORDER BY created_at ASC, id ASC
						LIMIT 1
					)
			`, productID, g.reference, g.direction)
			if err != nil {
				return nil, err
			}
			if removed, err := res.RowsAffected(); err == nil && removed > 0 {
				disc.Repaired = true
			}
		}
		discrepancies = append(discrepancies, disc)
	}

	var expected int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN qty ELSE -qty END), 0)
		FROM stock_movements
		WHERE product_id = $1
	`, productID).Scan(&expected)
	if err != nil {
		return nil, err
	}

	if expected != cached {
		disc := domain.Discrepancy{
			Kind:        domain.DiscrepancyStockDrift,
			ProductID:   productID,
			CachedQty:   cached,
			ExpectedQty: expected,
			Detail:      fmt.Sprintf("cached=%d expected=%d", cached, expected),
		}
		if repair {
			_, err := tx.ExecContext(ctx, `
				UPDATE products
				SET cached_qty = $2, updated_at = now()
				WHERE id = $1
			`, productID, expected)
			if err != nil {
				return nil, err
			}
			disc.Repaired = true
		}
		discrepancies = append(discrepancies, disc)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return discrepancies, nil
}

// AuditSales runs the read-only cross-table checks: a sale must have lines,
// each line must have its out movement, and line subtotals must add up to the
// sale total. Violations are reported, never auto-repaired.
func (s *Store) AuditSales(ctx context.Context) ([]domain.Discrepancy, error) {
	discrepancies := make([]domain.Discrepancy, 0, 8)

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id
		FROM sales s
		LEFT JOIN sale_lines l ON l.sale_id = s.id
		WHERE l.sale_id IS NULL
		ORDER BY s.id ASC
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var saleID string
		if err := rows.Scan(&saleID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		discrepancies = append(discrepancies, domain.Discrepancy{
			Kind:   domain.DiscrepancySaleWithoutLines,
			SaleID: saleID,
			Detail: "sale has no line items",
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT l.sale_id, l.product_id
		FROM sale_lines l
		LEFT JOIN stock_movements m
			ON m.sale_id = l.sale_id AND m.product_id = l.product_id AND m.direction = 'out'
		WHERE m.id IS NULL
		ORDER BY l.sale_id ASC, l.product_id ASC
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var saleID, productID string
		if err := rows.Scan(&saleID, &productID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		discrepancies = append(discrepancies, domain.Discrepancy{
			Kind:      domain.DiscrepancyLineNoMovement,
			SaleID:    saleID,
			ProductID: productID,
			Detail:    "sale line has no matching out movement",
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT s.id, s.total_cents, SUM(l.subtotal_cents)
		FROM sales s
		JOIN sale_lines l ON l.sale_id = s.id
		GROUP BY s.id, s.total_cents
		HAVING SUM(l.subtotal_cents) <> s.total_cents
		ORDER BY s.id ASC
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var saleID string
		var total, lineSum int64
		if err := rows.Scan(&saleID, &total, &lineSum); err != nil {
			_ = rows.Close()
			return nil, err
		}
		discrepancies = append(discrepancies, domain.Discrepancy{
			Kind:   domain.DiscrepancyTotalMismatch,
			SaleID: saleID,
			Detail: fmt.Sprintf("total=%d line_sum=%d", total, lineSum),
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	return discrepancies, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidSale
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMovement(row rowScanner) (domain.Movement, error) {
	var movement domain.Movement
	var saleID sql.NullString
	if err := row.Scan(&movement.ID, &movement.ProductID, &movement.Direction, &movement.Qty, &movement.QtyBefore, &movement.QtyAfter, &movement.Reference, &saleID, &movement.CreatedAt); err != nil {
		return domain.Movement{}, err
	}
	if saleID.Valid {
		movement.SaleID = saleID.String
	}
	movement.CreatedAt = movement.CreatedAt.UTC()
	return movement, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
