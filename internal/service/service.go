package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/loyalty"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

// ErrForbidden is returned when the acting user lacks the role an operation
// requires. The HTTP layer maps it to 403.
var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	loyalty *loyalty.Engine
}

func New(repo store.Repository, loyaltyEngine *loyalty.Engine) *Service {
	return &Service{
		repo:    repo,
		loyalty: loyaltyEngine,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, ErrForbidden
	}

	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.ID == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}

	product := domain.Product{
		ID:         req.ID,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Active:     true,
	}

	created, err := s.repo.CreateProduct(ctx, product, req.InitialStock)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d,initial_stock=%d", created.Name, created.PriceCents, req.InitialStock))

	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	if productID == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	product, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// Restock records an "in" movement. This is the only write path for stock
// increases; the cache itself is updated inside the movement append.
func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.RestockResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.RestockResponse{}, ErrForbidden
	}

	req.ProductID = strings.ToUpper(strings.TrimSpace(req.ProductID))
	req.Reference = strings.TrimSpace(req.Reference)
	if req.ProductID == "" || req.Qty < 1 {
		return domain.RestockResponse{}, store.ErrInvalidSale
	}
	if req.Reference == "" {
		req.Reference = "restock-" + xid.New("ref")
	}

	movement, err := s.repo.AppendMovement(ctx, req.ProductID, domain.MovementIn, req.Qty, req.Reference)
	if err != nil {
		return domain.RestockResponse{}, err
	}

	s.logAudit(ctx, "restock", "product", req.ProductID, fmt.Sprintf("qty=%d,before=%d,after=%d,reference=%s", movement.Qty, movement.QtyBefore, movement.QtyAfter, movement.Reference))

	return domain.RestockResponse{Movement: *movement}, nil
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) (domain.MovementListResponse, error) {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	if productID == "" {
		return domain.MovementListResponse{}, store.ErrInvalidSale
	}
	movements, err := s.repo.ListMovements(ctx, productID, limit)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	return domain.MovementListResponse{ProductID: productID, Movements: movements}, nil
}

func (s *Service) GetStockSummary(ctx context.Context, productID string) (domain.StockSummary, error) {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	if productID == "" {
		return domain.StockSummary{}, store.ErrInvalidSale
	}
	summary, err := s.repo.GetStockSummary(ctx, productID)
	if err != nil {
		return domain.StockSummary{}, err
	}
	return *summary, nil
}

// CreateSale coordinates the whole sale unit: header, lines, one out
// movement per line and the loyalty increments, committed atomically by the
// repository. Unit prices come from the product record; the client total is
// validated against the recomputed sum and rejected on mismatch.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)

	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return toSaleResponse(existing, nil, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}

	saleLines := make([]domain.SaleLine, 0, len(lines))
	totalCents := int64(0)
	for _, line := range lines {
		product, err := s.repo.GetProductByID(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.SaleResponse{}, fmt.Errorf("%w: unknown product %s", store.ErrInvalidSale, line.ProductID)
			}
			return domain.SaleResponse{}, err
		}
		if !product.Active {
			return domain.SaleResponse{}, fmt.Errorf("%w: inactive product %s", store.ErrInvalidSale, line.ProductID)
		}

		subtotal := product.PriceCents * int64(line.Qty)
		saleLines = append(saleLines, domain.SaleLine{
			ProductID:      product.ID,
			Qty:            line.Qty,
			UnitPriceCents: product.PriceCents,
			SubtotalCents:  subtotal,
		})
		totalCents += subtotal
	}

	// Money is integer cents, so the tolerance on the client total is zero.
	if req.TotalCents != totalCents {
		return domain.SaleResponse{}, fmt.Errorf("%w: client total=%d computed=%d", store.ErrTotalMismatch, req.TotalCents, totalCents)
	}

	now := time.Now().UTC()
	campaigns, err := s.loyalty.ActiveCampaigns(ctx, now)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	awards := s.loyalty.Accrue(req.CustomerID, totalCents, req.PaymentMethod, campaigns, now)

	sale := domain.Sale{
		ID:             xid.New("sale"),
		IdempotencyKey: req.IdempotencyKey,
		CustomerID:     req.CustomerID,
		PaymentMethod:  req.PaymentMethod,
		TotalCents:     totalCents,
		Status:         domain.SaleStatusCompleted,
		CreatedAt:      now,
		Lines:          saleLines,
	}

	created, err := s.repo.CreateSale(ctx, sale, awards)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	// The repository returns the earlier sale when a concurrent retry with
	// the same idempotency key won the race.
	duplicate := created.ID != sale.ID
	if duplicate {
		return toSaleResponse(created, nil, true), nil
	}

	s.logAudit(ctx, "sale_create", "sale", created.ID,
		fmt.Sprintf("total=%d,payment=%s,lines=%d,customer=%s", created.TotalCents, created.PaymentMethod, len(created.Lines), created.CustomerID))

	return toSaleResponse(created, awards, false), nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	if strings.TrimSpace(saleID) == "" {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}
	sale, err := s.repo.FindSaleByID(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return toSaleResponse(sale, nil, false), nil
}

func (s *Service) LookupSaleByIdempotency(ctx context.Context, key string) (domain.SaleLookupResponse, error) {
	if key == "" {
		return domain.SaleLookupResponse{}, store.ErrInvalidSale
	}

	sale, err := s.repo.FindSaleByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleLookupResponse{Found: false}, nil
		}
		return domain.SaleLookupResponse{}, err
	}
	resp := toSaleResponse(sale, nil, false)
	return domain.SaleLookupResponse{Found: true, Sale: &resp}, nil
}

func (s *Service) CreateCampaign(ctx context.Context, req domain.CampaignCreateRequest) (domain.Campaign, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Campaign{}, ErrForbidden
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.RateCents < 1 {
		return domain.Campaign{}, store.ErrInvalidSale
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return domain.Campaign{}, store.ErrInvalidSale
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return domain.Campaign{}, store.ErrInvalidSale
	}
	// End of day so the campaign stays active through its last date.
	end = end.Add(24*time.Hour - time.Second)
	if !end.After(start) {
		return domain.Campaign{}, store.ErrInvalidSale
	}

	for method := range req.MethodBonus {
		if !domain.IsSupportedPaymentMethod(method) {
			return domain.Campaign{}, store.ErrInvalidSale
		}
	}

	campaign, err := s.repo.CreateCampaign(ctx, domain.Campaign{
		Name:        req.Name,
		RateCents:   req.RateCents,
		MethodBonus: req.MethodBonus,
		StartDate:   start.UTC(),
		EndDate:     end.UTC(),
	})
	if err != nil {
		return domain.Campaign{}, err
	}

	s.logAudit(ctx, "campaign_create", "campaign", campaign.ID, fmt.Sprintf("name=%s,rate=%d", campaign.Name, campaign.RateCents))

	return *campaign, nil
}

func (s *Service) ListActiveCampaigns(ctx context.Context) (domain.CampaignListResponse, error) {
	campaigns, err := s.loyalty.ActiveCampaigns(ctx, time.Now().UTC())
	if err != nil {
		return domain.CampaignListResponse{}, err
	}
	return domain.CampaignListResponse{Campaigns: campaigns}, nil
}

func (s *Service) GetLoyaltyBalances(ctx context.Context, customerID string) (domain.LoyaltyBalanceResponse, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.LoyaltyBalanceResponse{}, store.ErrInvalidSale
	}

	balances, err := s.repo.GetLoyaltyBalances(ctx, customerID)
	if err != nil {
		return domain.LoyaltyBalanceResponse{}, err
	}
	return domain.LoyaltyBalanceResponse{CustomerID: customerID, Balances: balances}, nil
}

// Reconcile audits every product one lock-scope at a time, then runs the
// cross-table sale checks. Products whose row lock cannot be taken within
// the bounded wait are skipped and logged rather than starving live sales.
func (s *Service) Reconcile(ctx context.Context, repair bool) (domain.ReconcileResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ReconcileResponse{}, ErrForbidden
	}

	startedAt := time.Now().UTC()
	resp := domain.ReconcileResponse{
		RunID:         xid.New("recon"),
		Repair:        repair,
		Discrepancies: make([]domain.Discrepancy, 0, 16),
		StartedAt:     startedAt.Format(time.RFC3339),
	}

	productIDs, err := s.repo.ListProductIDs(ctx)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}
	resp.ProductCount = len(productIDs)

	for _, productID := range productIDs {
		discrepancies, err := s.repo.ReconcileProduct(ctx, productID, repair)
		if err != nil {
			if errors.Is(err, store.ErrBusy) {
				log.Printf("[reconcile] WARN: product %s busy, skipping this run", productID)
				continue
			}
			return domain.ReconcileResponse{}, err
		}
		resp.Discrepancies = append(resp.Discrepancies, discrepancies...)
	}

	audits, err := s.repo.AuditSales(ctx)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}
	resp.Discrepancies = append(resp.Discrepancies, audits...)

	for _, disc := range resp.Discrepancies {
		if disc.Repaired {
			resp.RepairedCount++
		}
		entityID := disc.ProductID
		if entityID == "" {
			entityID = disc.SaleID
		}
		s.logAudit(ctx, "reconcile_"+disc.Kind, "reconciliation", entityID, fmt.Sprintf("run=%s,repaired=%t,%s", resp.RunID, disc.Repaired, disc.Detail))
	}

	resp.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	if len(resp.Discrepancies) > 0 {
		log.Printf("[reconcile] run=%s products=%d discrepancies=%d repaired=%d", resp.RunID, resp.ProductCount, len(resp.Discrepancies), resp.RepairedCount)
	}

	return resp, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, days int, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, ErrForbidden
	}
	if days < 1 {
		days = 7
	}
	to := time.Now().UTC()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}

// normalizeLines trims, uppercases and aggregates request lines per product
// so one sale produces exactly one movement per product. A line with an empty
// product or non-positive quantity rejects the whole sale rather than being
// dropped, so the client total can never quietly agree with a trimmed cart.
func normalizeLines(lines []domain.SaleLineRequest) ([]domain.SaleLineRequest, error) {
	if len(lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	aggregated := make(map[string]int, len(lines))
	for i, line := range lines {
		productID := strings.ToUpper(strings.TrimSpace(line.ProductID))
		if productID == "" || line.Qty < 1 {
			return nil, fmt.Errorf("%w: line %d has invalid product or qty", store.ErrInvalidSale, i+1)
		}
		aggregated[productID] += line.Qty
	}

	result := make([]domain.SaleLineRequest, 0, len(aggregated))
	for productID, qty := range aggregated {
		result = append(result, domain.SaleLineRequest{ProductID: productID, Qty: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

func toSaleResponse(sale *domain.Sale, awards []domain.PointsAward, duplicate bool) domain.SaleResponse {
	itemCount := 0
	for _, line := range sale.Lines {
		itemCount += line.Qty
	}
	return domain.SaleResponse{
		SaleID:        sale.ID,
		Status:        sale.Status,
		PaymentMethod: sale.PaymentMethod,
		CustomerID:    sale.CustomerID,
		TotalCents:    sale.TotalCents,
		ItemCount:     itemCount,
		Lines:         sale.Lines,
		Points:        awards,
		Duplicate:     duplicate,
		CreatedAt:     sale.CreatedAt.Format(time.RFC3339),
	}
}
