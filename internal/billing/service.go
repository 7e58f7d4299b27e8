package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haulbooks/haulbooks/internal/shared"
)

// CreditCheckRequest identifies the broker to run a factoring credit check on.
type CreditCheckRequest struct {
	TenantID   int64
	CustomerID int64
	MCNumber   string
	BrokerName string
}

// CreditVerdict is the normalized answer from the factoring partner.
type CreditVerdict struct {
	Status      ApprovalStatus
	CreditLimit *decimal.Decimal
}

// SubmissionRequest asks the factoring partner to take over an invoice.
type SubmissionRequest struct {
	TenantID      int64
	InvoiceID     int64
	InvoiceNumber string
	BrokerMC      string
	BrokerName    string
}

// SubmissionResult is the factoring partner's answer to a submission.
type SubmissionResult struct {
	Success      bool
	Error        string
	OTRInvoiceID string
}

// FactoringClient is the outbound contract to the factoring partner. Both
// calls are network calls; implementations must carry their own timeouts.
type FactoringClient interface {
	CheckCredit(ctx context.Context, req CreditCheckRequest) (CreditVerdict, error)
	SubmitInvoice(ctx context.Context, req SubmissionRequest) (SubmissionResult, error)
}

// SubmissionLocker gates concurrent duplicate submissions per load. Acquire
// reports whether the lock was taken; release must always be safe to call.
type SubmissionLocker interface {
	Acquire(ctx context.Context, tenantID, loadID int64) (release func(), acquired bool, err error)
}

// AuditRecorder persists operator actions.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig tunes orchestration behaviour.
type ServiceConfig struct {
	// FactoringCompany is the billing party name recorded on factored invoices.
	FactoringCompany string
	// InvoiceDueInDays sets the due date offset for new invoices.
	InvoiceDueInDays int
}

// Service orchestrates invoice creation, billing-method resolution and
// factoring submission. Reads (Dashboard, InvoiceDetail) recompute delivery
// state fresh on every call; derived state is never authoritative in storage.
type Service struct {
	repo   RepositoryPort
	otr    FactoringClient
	locks  SubmissionLocker
	audit  AuditRecorder
	cache  *Cache
	logger *slog.Logger
	cfg    ServiceConfig
}

// NewService builds a Service instance. The cache and audit recorder are
// optional; a nil locker disables the redis gate and leaves only the
// database constraint.
func NewService(repo RepositoryPort, otr FactoringClient, locks SubmissionLocker, audit AuditRecorder, cache *Cache, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.FactoringCompany == "" {
		cfg.FactoringCompany = "OTR Capital"
	}
	if cfg.InvoiceDueInDays <= 0 {
		cfg.InvoiceDueInDays = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, otr: otr, locks: locks, audit: audit, cache: cache, logger: logger, cfg: cfg}
}

// ============================================================================
// READ PATH
// ============================================================================

// Dashboard returns the categorized buckets for a tenant, via the redis
// cache when one is configured.
func (s *Service) Dashboard(ctx context.Context, tenantID int64) (Buckets, error) {
	var buckets Buckets
	err := s.cache.FetchJSON(ctx, fmt.Sprintf("billing:dashboard:%d", tenantID), &buckets, func(ctx context.Context) (any, error) {
		return s.buildDashboard(ctx, tenantID)
	})
	if err != nil {
		return Buckets{}, err
	}
	return buckets, nil
}

func (s *Service) buildDashboard(ctx context.Context, tenantID int64) (Buckets, error) {
	facts, err := s.repo.ListInvoiceFacts(ctx, tenantID)
	if err != nil {
		return Buckets{}, fmt.Errorf("billing: load invoice facts: %w", err)
	}
	pending, err := s.repo.ListPendingLoads(ctx, tenantID)
	if err != nil {
		return Buckets{}, fmt.Errorf("billing: load pending loads: %w", err)
	}
	return Categorize(facts, pending), nil
}

// InvoiceDetail returns one invoice with its freshly derived delivery state.
func (s *Service) InvoiceDetail(ctx context.Context, tenantID, invoiceID int64) (*CategorizedInvoice, error) {
	facts, err := s.repo.GetInvoiceFacts(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	return &CategorizedInvoice{Facts: *facts, State: DeriveDeliveryState(*facts)}, nil
}

// ============================================================================
// PRE-FLIGHT
// ============================================================================

// VerifyResult reports what is still missing before a load can be billed.
// The billing method itself is resolved during submission and is not part of
// the pre-flight check.
type VerifyResult struct {
	Load    *PendingLoad  `json:"load"`
	Missing []MissingInfo `json:"missing_info"`
}

// Verify is the pre-flight gate: it inspects the facts a submission would
// read without creating anything.
func (s *Service) Verify(ctx context.Context, tenantID, loadID int64) (*VerifyResult, error) {
	load, err := s.repo.GetLoad(ctx, tenantID, loadID)
	if err != nil {
		return nil, err
	}
	if load.FinancialStatus != LoadPendingInvoice {
		return nil, ErrLoadNotPending
	}

	customer, err := s.repo.GetCustomerFacts(ctx, tenantID, load.CustomerID)
	if err != nil {
		s.logger.Warn("verify: customer facts unavailable", slog.Int64("load_id", loadID), slog.Any("error", err))
		customer = &CustomerFacts{}
	}
	accountingEmail, err := s.repo.GetAccountingEmail(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := s.repo.ListLoadDocuments(ctx, tenantID, loadID)
	if err != nil {
		return nil, err
	}

	var hasRateCon, hasPOD bool
	for _, doc := range docs {
		switch {
		case doc.Type == DocRateConfirmation:
			hasRateCon = true
		case doc.Type.IsProofOfDelivery():
			hasPOD = true
		}
	}

	missing := make([]MissingInfo, 0, 4)
	if customer.ContactEmail() == "" {
		missing = append(missing, MissingToEmail)
	}
	if accountingEmail == "" {
		missing = append(missing, MissingCCEmail)
	}
	if !hasRateCon {
		missing = append(missing, MissingRateCon)
	}
	if !hasPOD {
		missing = append(missing, MissingBOLPOD)
	}

	return &VerifyResult{Load: load, Missing: missing}, nil
}

// ============================================================================
// SUBMISSION
// ============================================================================

// SubmitOutcome distinguishes the user-visible results of a submission.
// Total failure (no invoice created) is reported as an error instead.
type SubmitOutcome string

const (
	// OutcomeFactored: invoice created and delivered to the factoring partner.
	OutcomeFactored SubmitOutcome = "FACTORED"
	// OutcomeDirectEmail: invoice created, to be billed by email.
	OutcomeDirectEmail SubmitOutcome = "DIRECT_EMAIL"
	// OutcomeSubmissionFailed: invoice created but the factoring submission
	// failed; a retry is available.
	OutcomeSubmissionFailed SubmitOutcome = "SUBMISSION_FAILED"
)

// SubmitResult is returned whenever an invoice was created, regardless of
// whether delivery succeeded.
type SubmitResult struct {
	Outcome         SubmitOutcome `json:"outcome"`
	Invoice         *Invoice      `json:"invoice"`
	SubmissionError string        `json:"submission_error,omitempty"`
}

// Submit runs the one-shot submission workflow for a pending load: allocate
// an invoice number, create the draft invoice and load link, resolve the
// billing method through a credit check, and deliver to the factoring
// partner when the broker is approved.
//
// Failure semantics: creation failure aborts with no invoice left behind. A
// credit-check failure silently routes to direct email. A factoring
// submission failure leaves the invoice in a retryable FAILED delivery state
// and the load still pending.
func (s *Service) Submit(ctx context.Context, tenantID, loadID, actorID int64) (*SubmitResult, error) {
	load, err := s.repo.GetLoad(ctx, tenantID, loadID)
	if err != nil {
		return nil, err
	}
	if load.FinancialStatus != LoadPendingInvoice {
		return nil, ErrLoadNotPending
	}

	if s.locks != nil {
		release, acquired, err := s.locks.Acquire(ctx, tenantID, loadID)
		if err != nil {
			// The database unique link index still guards double-invoicing.
			s.logger.Warn("submission lock unavailable", slog.Int64("load_id", loadID), slog.Any("error", err))
		} else if !acquired {
			return nil, ErrSubmissionInFlight
		} else {
			defer release()
		}
	}

	customer, err := s.repo.GetCustomerFacts(ctx, tenantID, load.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("billing: customer facts: %w", err)
	}

	// Routing must be known before the insert; the create transaction records it.
	method, billingParty := s.resolveBillingMethod(ctx, tenantID, *customer)

	now := time.Now()
	invoice, err := s.repo.CreateInvoiceWithLoad(ctx, CreateInvoiceInput{
		TenantID:     tenantID,
		LoadID:       loadID,
		CustomerID:   load.CustomerID,
		Method:       method,
		BillingParty: billingParty,
		Description:  fmt.Sprintf("Load %s", load.Reference),
		Amount:       load.Rate,
		InvoiceDate:  now,
		DueDate:      now.AddDate(0, 0, s.cfg.InvoiceDueInDays),
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "billing.submit", "invoice", invoice.ID, map[string]any{
		"load_id":        loadID,
		"billing_method": string(method),
	})

	result := &SubmitResult{Invoice: invoice}
	switch method {
	case MethodOTR:
		s.deliverToFactoring(ctx, invoice, customer, result)
	case MethodDirectEmail:
		// The invoice stays DRAFT until the email pipeline records a sent
		// attempt; the load is invoiced either way.
		if err := s.repo.MarkLoadInvoiced(ctx, tenantID, loadID, invoice.Number); err != nil {
			s.logger.Error("mark load invoiced", slog.Int64("load_id", loadID), slog.Any("error", err))
		}
		result.Outcome = OutcomeDirectEmail
	case MethodUnknown:
		// resolveBillingMethod never returns UNKNOWN.
		result.Outcome = OutcomeDirectEmail
	}

	s.cache.Bump(ctx)
	return result, nil
}

// resolveBillingMethod decides routing from the credit check. Any error or
// non-approved verdict falls back to direct email; a credit-check outage
// must never block invoice creation.
func (s *Service) resolveBillingMethod(ctx context.Context, tenantID int64, customer CustomerFacts) (BillingMethod, string) {
	verdict, err := s.otr.CheckCredit(ctx, CreditCheckRequest{
		TenantID:   tenantID,
		CustomerID: customer.ID,
		MCNumber:   customer.MCNumber,
		BrokerName: customer.Name,
	})
	if err != nil {
		s.logger.Warn("credit check unavailable, routing to direct email",
			slog.Int64("customer_id", customer.ID), slog.Any("error", err))
		return MethodDirectEmail, customer.Name
	}
	if verdict.Status == ApprovalApproved {
		return MethodOTR, s.cfg.FactoringCompany
	}
	return MethodDirectEmail, customer.Name
}

func (s *Service) deliverToFactoring(ctx context.Context, invoice *Invoice, customer *CustomerFacts, result *SubmitResult) {
	sub, err := s.otr.SubmitInvoice(ctx, SubmissionRequest{
		TenantID:      invoice.TenantID,
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.Number,
		BrokerMC:      customer.MCNumber,
		BrokerName:    customer.Name,
	})
	if err != nil || !sub.Success {
		reason := sub.Error
		if err != nil {
			reason = err.Error()
		}
		s.logger.Error("factoring submission failed",
			slog.Int64("invoice_id", invoice.ID), slog.String("reason", reason))
		if markErr := s.repo.MarkFactoringFailed(ctx, invoice.TenantID, invoice.ID); markErr != nil {
			s.logger.Error("mark factoring failed", slog.Any("error", markErr))
		}
		invoice.OTRStatus = FactoringFailed
		result.Outcome = OutcomeSubmissionFailed
		result.SubmissionError = reason
		return
	}

	now := time.Now()
	var otrID *string
	if sub.OTRInvoiceID != "" {
		otrID = &sub.OTRInvoiceID
	}
	if err := s.repo.MarkFactoringDelivered(ctx, invoice.TenantID, invoice.ID, otrID, now); err != nil {
		s.logger.Error("mark factoring delivered", slog.Int64("invoice_id", invoice.ID), slog.Any("error", err))
		result.Outcome = OutcomeSubmissionFailed
		result.SubmissionError = err.Error()
		return
	}
	invoice.Status = InvoiceStatusSent
	invoice.OTRStatus = FactoringSubmitted
	invoice.OTRSubmittedAt = &now
	invoice.OTRInvoiceID = otrID
	invoice.SentAt = &now
	result.Outcome = OutcomeFactored
}

// Retry re-invokes the factoring submission for an existing invoice. It
// never allocates a new invoice number and never creates a second load link;
// retrying an already delivered invoice is a no-op reported as FACTORED.
func (s *Service) Retry(ctx context.Context, tenantID, invoiceID, actorID int64) (*SubmitResult, error) {
	facts, err := s.repo.GetInvoiceFacts(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	invoice := facts.Invoice
	if invoice.BillingMethod != MethodOTR {
		return nil, ErrNotRetryable
	}
	if invoice.OTRSubmittedAt != nil {
		return &SubmitResult{Outcome: OutcomeFactored, Invoice: &invoice}, nil
	}

	customer := facts.Customer

	s.recordAudit(ctx, actorID, "billing.retry", "invoice", invoiceID, nil)

	result := &SubmitResult{Invoice: &invoice}
	s.deliverToFactoring(ctx, &invoice, &customer, result)
	s.cache.Bump(ctx)
	return result, nil
}

// RejectLoad sends a pending load back for audit review.
func (s *Service) RejectLoad(ctx context.Context, tenantID, loadID, actorID int64) error {
	if err := s.repo.RejectPendingLoad(ctx, tenantID, loadID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "billing.reject_load", "load", loadID, nil)
	s.cache.Bump(ctx)
	return nil
}

// ============================================================================
// MAINTENANCE
// ============================================================================

// MarkOverdue flips sent invoices past their due date to OVERDUE for one
// tenant. Invoked by the background worker.
func (s *Service) MarkOverdue(ctx context.Context, tenantID int64, asOf time.Time) (int64, error) {
	n, err := s.repo.MarkOverdueInvoices(ctx, tenantID, asOf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.cache.Bump(ctx)
	}
	return n, nil
}

// TenantIDs enumerates tenants for background maintenance.
func (s *Service) TenantIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ListTenantIDs(ctx)
}

// WarmDashboard precomputes a tenant's dashboard into the cache.
func (s *Service) WarmDashboard(ctx context.Context, tenantID int64) error {
	_, err := s.Dashboard(ctx, tenantID)
	return err
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       time.Now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
