package domain

import "time"

type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	CachedQty  int       `json:"cached_qty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

// Movement is one immutable entry in a product's stock ledger. The cached
// quantity on Product must always equal the reduction over its movements.
type Movement struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Direction string    `json:"direction"`
	Qty       int       `json:"qty"`
	QtyBefore int       `json:"qty_before"`
	QtyAfter  int       `json:"qty_after"`
	Reference string    `json:"reference"`
	SaleID    string    `json:"sale_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type MovementListResponse struct {
	ProductID string     `json:"product_id"`
	Movements []Movement `json:"movements"`
}

type RestockRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Reference string `json:"reference"`
}

type RestockResponse struct {
	Movement Movement `json:"movement"`
}

type SaleLine struct {
	SaleID         string `json:"sale_id,omitempty"`
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Sale struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	CustomerID     string     `json:"customer_id,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	TotalCents     int64      `json:"total_cents"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	Lines          []SaleLine `json:"lines"`
}

type SaleLineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type SaleRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	CustomerID     string            `json:"customer_id,omitempty"`
	PaymentMethod  string            `json:"payment_method"`
	TotalCents     int64             `json:"total_cents"`
	Lines          []SaleLineRequest `json:"lines"`
}

type SaleResponse struct {
	SaleID        string        `json:"sale_id"`
	Status        string        `json:"status"`
	PaymentMethod string        `json:"payment_method"`
	CustomerID    string        `json:"customer_id,omitempty"`
	TotalCents    int64         `json:"total_cents"`
	ItemCount     int           `json:"item_count"`
	Lines         []SaleLine    `json:"lines"`
	Points        []PointsAward `json:"points,omitempty"`
	Duplicate     bool          `json:"duplicate"`
	CreatedAt     string        `json:"created_at"`
}

type SaleLookupResponse struct {
	Found bool          `json:"found"`
	Sale  *SaleResponse `json:"sale,omitempty"`
}

type Campaign struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	RateCents   int64              `json:"rate_cents"`
	MethodBonus map[string]float64 `json:"method_bonus"`
	StartDate   time.Time          `json:"start_date"`
	EndDate     time.Time          `json:"end_date"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
}

type CampaignCreateRequest struct {
	Name        string             `json:"name"`
	RateCents   int64              `json:"rate_cents"`
	MethodBonus map[string]float64 `json:"method_bonus,omitempty"`
	StartDate   string             `json:"start_date"`
	EndDate     string             `json:"end_date"`
}

type CampaignListResponse struct {
	Campaigns []Campaign `json:"campaigns"`
}

type LoyaltyBalance struct {
	CustomerID string    `json:"customer_id"`
	CampaignID string    `json:"campaign_id"`
	Points     int64     `json:"points"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type LoyaltyBalanceResponse struct {
	CustomerID string           `json:"customer_id"`
	Balances   []LoyaltyBalance `json:"balances"`
}

// PointsAward is the computed point delta for one campaign. It is applied to
// the customer's balance inside the sale transaction.
type PointsAward struct {
	CampaignID  string `json:"campaign_id"`
	BasePoints  int64  `json:"base_points"`
	BonusPoints int64  `json:"bonus_points"`
	TotalPoints int64  `json:"total_points"`
}

type StockSummary struct {
	ProductID   string `json:"product_id"`
	CachedQty   int    `json:"cached_qty"`
	LedgerQty   int    `json:"ledger_qty"`
	Discrepancy bool   `json:"discrepancy"`
}

type Discrepancy struct {
	Kind        string `json:"kind"`
	ProductID   string `json:"product_id,omitempty"`
	SaleID      string `json:"sale_id,omitempty"`
	CachedQty   int    `json:"cached_qty,omitempty"`
	ExpectedQty int    `json:"expected_qty,omitempty"`
	Detail      string `json:"detail"`
	Repaired    bool   `json:"repaired"`
}

type ReconcileResponse struct {
	RunID         string        `json:"run_id"`
	Repair        bool          `json:"repair"`
	ProductCount  int           `json:"product_count"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	RepairedCount int           `json:"repaired_count"`
	StartedAt     string        `json:"started_at"`
	FinishedAt    string        `json:"finished_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	MovementIn  = "in"
	MovementOut = "out"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
	PaymentQR   = "qr"
)

const SaleStatusCompleted = "completed"

const (
	DiscrepancyStockDrift        = "stock_drift"
	DiscrepancyDuplicateMovement = "duplicate_movement"
	DiscrepancySaleWithoutLines  = "sale_without_lines"
	DiscrepancyLineNoMovement    = "line_without_movement"
	DiscrepancyTotalMismatch     = "sale_total_mismatch"
)

// InitialStockReference marks the first movement inserted when a product is
// created with stock on hand; reconciliation treats it like any other "in".
const InitialStockReference = "initial_stock"

// DefaultMethodBonus holds the payment-method bonus rates applied when a
// campaign does not override them.
var DefaultMethodBonus = map[string]float64{
	PaymentCash: 0.20,
	PaymentCard: 0.15,
	PaymentQR:   0.25,
}

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentQR:
		return true
	}
	return false
}
