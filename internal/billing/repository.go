package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Common errors surfaced by the repository and orchestrator.
var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrLoadNotFound        = errors.New("load not found")
	ErrLoadNotPending      = errors.New("load is not awaiting invoice creation")
	ErrLoadAlreadyInvoiced = errors.New("load already has an invoice")
	ErrSubmissionInFlight  = errors.New("a submission for this load is already in progress")
	ErrNotRetryable        = errors.New("invoice is not awaiting a factoring retry")
)

// CreateInvoiceInput carries everything needed to create a draft invoice and
// its load link in one transaction. The invoice number is allocated inside
// the same transaction from the tenant's sequence, and the resolved billing
// method is recorded with the insert so no invoice ever persists unrouted.
type CreateInvoiceInput struct {
	TenantID     int64
	LoadID       int64
	CustomerID   int64
	Method       BillingMethod
	BillingParty string
	Description  string
	Amount       decimal.Decimal
	InvoiceDate  time.Time
	DueDate      time.Time
}

// RepositoryPort defines fact-store access for the billing engine. All reads
// and writes are tenant-scoped; implementations must never touch rows of
// another tenant.
type RepositoryPort interface {
	// Read path (facts).
	ListInvoiceFacts(ctx context.Context, tenantID int64) ([]InvoiceFacts, error)
	GetInvoiceFacts(ctx context.Context, tenantID, invoiceID int64) (*InvoiceFacts, error)
	ListPendingLoads(ctx context.Context, tenantID int64) ([]PendingLoad, error)
	GetLoad(ctx context.Context, tenantID, loadID int64) (*PendingLoad, error)
	GetCustomerFacts(ctx context.Context, tenantID, customerID int64) (*CustomerFacts, error)
	GetAccountingEmail(ctx context.Context, tenantID int64) (string, error)
	ListLoadDocuments(ctx context.Context, tenantID, loadID int64) ([]LoadDocument, error)

	// Write path (mutations).
	CreateInvoiceWithLoad(ctx context.Context, input CreateInvoiceInput) (*Invoice, error)
	MarkFactoringDelivered(ctx context.Context, tenantID, invoiceID int64, otrInvoiceID *string, at time.Time) error
	MarkFactoringFailed(ctx context.Context, tenantID, invoiceID int64) error
	MarkLoadInvoiced(ctx context.Context, tenantID, loadID int64, invoiceNumber string) error
	RejectPendingLoad(ctx context.Context, tenantID, loadID int64) error
	MarkOverdueInvoices(ctx context.Context, tenantID int64, asOf time.Time) (int64, error)

	// Tenant enumeration for background maintenance.
	ListTenantIDs(ctx context.Context) ([]int64, error)
}
