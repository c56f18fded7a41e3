package store

import (
	"context"
	"errors"
	"time"

	"tokoku/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrTotalMismatch     = errors.New("sale total mismatch")
	ErrBusy              = errors.New("stock row busy")
)

// Repository is the persistence contract. The product stock cache has no
// "set quantity" operation: it changes only through AppendMovement (and the
// sale path's internal movement writes) or RepairStock.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)

	AppendMovement(ctx context.Context, productID string, direction string, qty int, reference string) (*domain.Movement, error)
	ListMovements(ctx context.Context, productID string, limit int) ([]domain.Movement, error)

	CreateSale(ctx context.Context, sale domain.Sale, awards []domain.PointsAward) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)

	CreateCampaign(ctx context.Context, campaign domain.Campaign) (*domain.Campaign, error)
	ListActiveCampaigns(ctx context.Context, at time.Time) ([]domain.Campaign, error)
	GetLoyaltyBalances(ctx context.Context, customerID string) ([]domain.LoyaltyBalance, error)

	GetStockSummary(ctx context.Context, productID string) (*domain.StockSummary, error)
	ListProductIDs(ctx context.Context) ([]string, error)
	ReconcileProduct(ctx context.Context, productID string, repair bool) ([]domain.Discrepancy, error)
	AuditSales(ctx context.Context) ([]domain.Discrepancy, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
