package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

// Store is the in-memory repository used in dev mode and unit tests. One
// mutex serializes every mutation, which gives the same effective ordering
// as the postgres row lock in a single process.
type Store struct {
	mu                sync.RWMutex
	products          map[string]domain.Product
	movementsByProd   map[string][]domain.Movement
	salesByID         map[string]*domain.Sale
	salesByIdem       map[string]*domain.Sale
	campaignsByID     map[string]domain.Campaign
	loyaltyByCustomer map[string]map[string]domain.LoyaltyBalance
	auditLogs         []domain.AuditLog
	usersByUsername   map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables; hardcoded dev defaults are used otherwise. These
// are never used in production (postgres mode reads the users table).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:          make(map[string]domain.Product),
		movementsByProd:   make(map[string][]domain.Movement),
		salesByID:         make(map[string]*domain.Sale),
		salesByIdem:       make(map[string]*domain.Sale),
		campaignsByID:     make(map[string]domain.Campaign),
		loyaltyByCustomer: make(map[string]map[string]domain.LoyaltyBalance),
		usersByUsername:   seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seeds := []struct {
		product domain.Product
		stock   int
	}{
		{domain.Product{ID: "PRD-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500}, 120},
		{domain.Product{ID: "PRD-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500}, 60},
		{domain.Product{ID: "PRD-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900}, 48},
		{domain.Product{ID: "PRD-KOPI-01", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600}, 200},
		{domain.Product{ID: "PRD-GULA-01", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400}, 45},
		{domain.Product{ID: "PRD-AIR-01", Name: "Air Mineral 600ml", Category: "beverage", PriceCents: 3900}, 150},
		{domain.Product{ID: "PRD-SABUN-01", Name: "Sabun Mandi", Category: "household", PriceCents: 7400}, 80},
	}

	s.mu.Lock()
	for _, seed := range seeds {
		p := seed.product
		p.Active = true
		p.CreatedAt = now
		s.products[p.ID] = p
		if seed.stock > 0 {
			if _, err := s.appendMovementLocked(p.ID, domain.MovementIn, seed.stock, domain.InitialStockReference, ""); err != nil {
				log.Fatalf("[memory-store] seed movement for %s: %v", p.ID, err)
			}
		}
	}

	s.campaignsByID["camp-belanja-poin"] = domain.Campaign{
		ID:          "camp-belanja-poin",
		Name:        "Belanja Berhadiah Poin",
		RateCents:   100000,
		MethodBonus: domain.DefaultMethodBonus,
		StartDate:   now.AddDate(0, -1, 0),
		EndDate:     now.AddDate(0, 2, 0),
		Active:      true,
		CreatedAt:   now,
	}
	s.mu.Unlock()

	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category != products[j].Category {
			return products[i].Category < products[j].Category
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || initialStock < 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidSale
	}

	product.Active = true
	product.CachedQty = 0
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product

	if initialStock > 0 {
		movement, err := s.appendMovementLocked(product.ID, domain.MovementIn, initialStock, domain.InitialStockReference, "")
		if err != nil {
			delete(s.products, product.ID)
			return nil, err
		}
		product.CachedQty = movement.QtyAfter
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := p
	return &found, nil
}

// appendMovementLocked is the only writer of Product.CachedQty. Callers must
// hold s.mu.
func (s *Store) appendMovementLocked(productID string, direction string, qty int, reference string, saleID string) (*domain.Movement, error) {
	if qty < 1 {
		return nil, store.ErrInvalidSale
	}
	if direction != domain.MovementIn && direction != domain.MovementOut {
		return nil, store.ErrInvalidSale
	}

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}

	before := product.CachedQty
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
	s.movementsByProd[productID] = append(s.movementsByProd[productID], movement)

	product.CachedQty = after
	s.products[productID] = product

	return &movement, nil
}

func (s *Store) AppendMovement(_ context.Context, productID string, direction string, qty int, reference string) (*domain.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMovementLocked(productID, direction, qty, reference, "")
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.Movement, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.movementsByProd[productID]
	movements := make([]domain.Movement, 0, limit)
	for i := len(history) - 1; i >= 0 && len(movements) < limit; i-- {
		movements = append(movements, history[i])
	}
	return movements, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, awards []domain.PointsAward) (*domain.Sale, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
		found := *existing
		return &found, nil
	}

	// Precheck every line against a scratch copy of the cache so a failure
	// on any line leaves no partial movements behind.
	scratch := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		product, exists := s.products[line.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if _, seen := scratch[line.ProductID]; !seen {
			scratch[line.ProductID] = product.CachedQty
		}
		scratch[line.ProductID] -= line.Qty
		if scratch[line.ProductID] < 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	reference := "sale_id=" + sale.ID
	for i := range sale.Lines {
		sale.Lines[i].SaleID = sale.ID
		if _, err := s.appendMovementLocked(sale.Lines[i].ProductID, domain.MovementOut, sale.Lines[i].Qty, reference, sale.ID); err != nil {
			return nil, err
		}
	}

	if sale.CustomerID != "" {
		for _, award := range awards {
			if award.TotalPoints < 1 {
				continue
			}
			balances := s.loyaltyByCustomer[sale.CustomerID]
			if balances == nil {
				balances = make(map[string]domain.LoyaltyBalance)
				s.loyaltyByCustomer[sale.CustomerID] = balances
			}
			bal := balances[award.CampaignID]
			bal.CustomerID = sale.CustomerID
			bal.CampaignID = award.CampaignID
			bal.Points += award.TotalPoints
			bal.UpdatedAt = time.Now().UTC()
			balances[award.CampaignID] = bal
		}
	}

	stored := sale
	s.salesByID[sale.ID] = &stored
	s.salesByIdem[sale.IdempotencyKey] = &stored

	created := sale
	return &created, nil
}

func (s *Store) FindSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := *sale
	return &found, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByIdem[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := *sale
	return &found, nil
}

func (s *Store) CreateCampaign(_ context.Context, campaign domain.Campaign) (*domain.Campaign, error) {
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
	campaign.Active = true

	s.mu.Lock()
	defer s.mu.Unlock()

	s.campaignsByID[campaign.ID] = campaign
	created := campaign
	return &created, nil
}

func (s *Store) ListActiveCampaigns(_ context.Context, at time.Time) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	campaigns := make([]domain.Campaign, 0, len(s.campaignsByID))
	for _, campaign := range s.campaignsByID {
		if !campaign.Active {
			continue
		}
		if at.Before(campaign.StartDate) || at.After(campaign.EndDate) {
			continue
		}
		campaigns = append(campaigns, campaign)
	}
	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].CreatedAt.Before(campaigns[j].CreatedAt) })
	return campaigns, nil
}

func (s *Store) GetLoyaltyBalances(_ context.Context, customerID string) ([]domain.LoyaltyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]domain.LoyaltyBalance, 0, 4)
	for _, bal := range s.loyaltyByCustomer[customerID] {
		balances = append(balances, bal)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].CampaignID < balances[j].CampaignID })
	return balances, nil
}

func (s *Store) GetStockSummary(_ context.Context, productID string) (*domain.StockSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}

	ledger := 0
	for _, movement := range s.movementsByProd[productID] {
		if movement.Direction == domain.MovementIn {
			ledger += movement.Qty
		} else {
			ledger -= movement.Qty
		}
	}

	return &domain.StockSummary{
		ProductID:   productID,
		CachedQty:   product.CachedQty,
		LedgerQty:   ledger,
		Discrepancy: product.CachedQty != ledger,
	}, nil
}

func (s *Store) ListProductIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.products))
	for id := range s.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ReconcileProduct(_ context.Context, productID string, repair bool) ([]domain.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}

	discrepancies := make([]domain.Discrepancy, 0, 4)

	type groupKey struct {
		reference string
		direction string
	}
	groups := make(map[groupKey][]int)
	for i, movement := range s.movementsByProd[productID] {
		if movement.Reference == "" {
			continue
		}
		key := groupKey{reference: movement.Reference, direction: movement.Direction}
		groups[key] = append(groups[key], i)
	}

	keys := make([]groupKey, 0, len(groups))
	for key, indexes := range groups {
		if len(indexes) > 1 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].reference != keys[j].reference {
			return keys[i].reference < keys[j].reference
		}
		return keys[i].direction < keys[j].direction
	})

	drop := make(map[string]bool)
	for _, key := range keys {
		indexes := groups[key]
		disc := domain.Discrepancy{
			Kind:      domain.DiscrepancyDuplicateMovement,
			ProductID: productID,
			Detail:    fmt.Sprintf("reference=%s direction=%s count=%d", key.reference, key.direction, len(indexes)),
		}
		if repair {
			earliest := indexes[0]
			for _, idx := range indexes[1:] {
				a, b := s.movementsByProd[productID][earliest], s.movementsByProd[productID][idx]
				if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
					earliest = idx
				}
			}
			for _, idx := range indexes {
				if idx != earliest {
					drop[s.movementsByProd[productID][idx].ID] = true
				}
			}
			disc.Repaired = true
		}
		discrepancies = append(discrepancies, disc)
	}

	if len(drop) > 0 {
		kept := make([]domain.Movement, 0, len(s.movementsByProd[productID]))
		for _, movement := range s.movementsByProd[productID] {
			if !drop[movement.ID] {
				kept = append(kept, movement)
			}
		}
		s.movementsByProd[productID] = kept
	}

	expected := 0
	for _, movement := range s.movementsByProd[productID] {
		if movement.Direction == domain.MovementIn {
			expected += movement.Qty
		} else {
			expected -= movement.Qty
		}
	}

	if expected != product.CachedQty {
		disc := domain.Discrepancy{
			Kind:        domain.DiscrepancyStockDrift,
			ProductID:   productID,
			CachedQty:   product.CachedQty,
			ExpectedQty: expected,
			Detail:      fmt.Sprintf("cached=%d expected=%d", product.CachedQty, expected),
		}
		if repair {
			product.CachedQty = expected
			s.products[productID] = product
			disc.Repaired = true
		}
		discrepancies = append(discrepancies, disc)
	}

	return discrepancies, nil
}

func (s *Store) AuditSales(_ context.Context) ([]domain.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleIDs := make([]string, 0, len(s.salesByID))
	for id := range s.salesByID {
		saleIDs = append(saleIDs, id)
	}
	sort.Strings(saleIDs)

	discrepancies := make([]domain.Discrepancy, 0, 8)
	for _, saleID := range saleIDs {
		sale := s.salesByID[saleID]
		if len(sale.Lines) == 0 {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind:   domain.DiscrepancySaleWithoutLines,
				SaleID: saleID,
				Detail: "sale has no line items",
			})
			continue
		}

		lineSum := int64(0)
		for _, line := range sale.Lines {
			lineSum += line.SubtotalCents

			found := false
			for _, movement := range s.movementsByProd[line.ProductID] {
				if movement.SaleID == saleID && movement.Direction == domain.MovementOut {
					found = true
					break
				}
			}
			if !found {
				discrepancies = append(discrepancies, domain.Discrepancy{
					Kind:      domain.DiscrepancyLineNoMovement,
					SaleID:    saleID,
					ProductID: line.ProductID,
					Detail:    "sale line has no matching out movement",
				})
			}
		}

		if lineSum != sale.TotalCents {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind:   domain.DiscrepancyTotalMismatch,
				SaleID: saleID,
				Detail: fmt.Sprintf("total=%d line_sum=%d", sale.TotalCents, lineSum),
			})
		}
	}

	return discrepancies, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidSale
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.TrimSpace(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
