package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbooks/haulbooks/internal/shared"
)

// ============================================================================
// MEMORY REPOSITORY
// ============================================================================

type memoryRepo struct {
	invoices        map[int64]*Invoice
	loads           map[int64]*PendingLoad
	customers       map[int64]*CustomerFacts
	documents       map[int64][]LoadDocument
	attempts        map[int64]*EmailAttempt
	links           map[int64]InvoiceLoad // keyed by load ID, one invoice per load
	accountingEmail string
	sequence        int64
	nextInvoiceID   int64
	nextLinkID      int64

	// Error injection
	createError error
	markError   error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices:      make(map[int64]*Invoice),
		loads:         make(map[int64]*PendingLoad),
		customers:     make(map[int64]*CustomerFacts),
		documents:     make(map[int64][]LoadDocument),
		attempts:      make(map[int64]*EmailAttempt),
		links:         make(map[int64]InvoiceLoad),
		nextInvoiceID: 1,
		nextLinkID:    1,
	}
}

func (m *memoryRepo) factsFor(inv Invoice) InvoiceFacts {
	f := InvoiceFacts{Invoice: inv, AccountingEmail: m.accountingEmail}
	for _, link := range m.links {
		if link.InvoiceID == inv.ID {
			f.Loads = append(f.Loads, link)
			f.Documents = append(f.Documents, m.documents[link.LoadID]...)
		}
	}
	if a, ok := m.attempts[inv.ID]; ok {
		f.LastAttempt = a
	}
	if c, ok := m.customers[inv.CustomerID]; ok {
		f.Customer = *c
	}
	return f
}

func (m *memoryRepo) ListInvoiceFacts(ctx context.Context, tenantID int64) ([]InvoiceFacts, error) {
	var out []InvoiceFacts
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID {
			out = append(out, m.factsFor(*inv))
		}
	}
	return out, nil
}

func (m *memoryRepo) GetInvoiceFacts(ctx context.Context, tenantID, invoiceID int64) (*InvoiceFacts, error) {
	inv, ok := m.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return nil, ErrInvoiceNotFound
	}
	f := m.factsFor(*inv)
	return &f, nil
}

func (m *memoryRepo) ListPendingLoads(ctx context.Context, tenantID int64) ([]PendingLoad, error) {
	var out []PendingLoad
	for _, load := range m.loads {
		if load.TenantID == tenantID && load.FinancialStatus == LoadPendingInvoice {
			out = append(out, *load)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetLoad(ctx context.Context, tenantID, loadID int64) (*PendingLoad, error) {
	load, ok := m.loads[loadID]
	if !ok || load.TenantID != tenantID {
		return nil, ErrLoadNotFound
	}
	copied := *load
	return &copied, nil
}

func (m *memoryRepo) GetCustomerFacts(ctx context.Context, tenantID, customerID int64) (*CustomerFacts, error) {
	c, ok := m.customers[customerID]
	if !ok {
		return nil, errors.New("customer not found")
	}
	copied := *c
	return &copied, nil
}

func (m *memoryRepo) GetAccountingEmail(ctx context.Context, tenantID int64) (string, error) {
	return m.accountingEmail, nil
}

func (m *memoryRepo) ListLoadDocuments(ctx context.Context, tenantID, loadID int64) ([]LoadDocument, error) {
	return m.documents[loadID], nil
}

func (m *memoryRepo) CreateInvoiceWithLoad(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	if m.createError != nil {
		return nil, m.createError
	}
	load, ok := m.loads[input.LoadID]
	if !ok || load.TenantID != input.TenantID {
		return nil, ErrLoadNotFound
	}
	if load.FinancialStatus != LoadPendingInvoice {
		return nil, ErrLoadNotPending
	}
	if _, exists := m.links[input.LoadID]; exists {
		return nil, ErrLoadAlreadyInvoiced
	}

	m.sequence++
	inv := &Invoice{
		ID:            m.nextInvoiceID,
		TenantID:      input.TenantID,
		Number:        fmt.Sprintf("INV-%06d", m.sequence),
		CustomerID:    input.CustomerID,
		BillingParty:  input.BillingParty,
		InvoiceDate:   input.InvoiceDate,
		DueDate:       input.DueDate,
		Total:         input.Amount,
		Paid:          decimal.Zero,
		Balance:       input.Amount,
		Status:        InvoiceStatusDraft,
		BillingMethod: input.Method,
	}
	m.nextInvoiceID++
	m.invoices[inv.ID] = inv
	m.links[input.LoadID] = InvoiceLoad{
		ID:          m.nextLinkID,
		InvoiceID:   inv.ID,
		LoadID:      input.LoadID,
		TenantID:    input.TenantID,
		Description: input.Description,
		Amount:      input.Amount,
	}
	m.nextLinkID++

	copied := *inv
	return &copied, nil
}

func (m *memoryRepo) MarkFactoringDelivered(ctx context.Context, tenantID, invoiceID int64, otrInvoiceID *string, at time.Time) error {
	if m.markError != nil {
		return m.markError
	}
	inv, ok := m.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return ErrInvoiceNotFound
	}
	inv.Status = InvoiceStatusSent
	inv.OTRStatus = FactoringSubmitted
	inv.OTRSubmittedAt = &at
	inv.OTRInvoiceID = otrInvoiceID
	inv.SentAt = &at
	for loadID, link := range m.links {
		if link.InvoiceID == invoiceID {
			m.loads[loadID].FinancialStatus = LoadInvoiced
			m.loads[loadID].InvoiceNumber = &inv.Number
		}
	}
	return nil
}

func (m *memoryRepo) MarkFactoringFailed(ctx context.Context, tenantID, invoiceID int64) error {
	inv, ok := m.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return ErrInvoiceNotFound
	}
	inv.OTRStatus = FactoringFailed
	return nil
}

func (m *memoryRepo) MarkLoadInvoiced(ctx context.Context, tenantID, loadID int64, invoiceNumber string) error {
	load, ok := m.loads[loadID]
	if !ok || load.TenantID != tenantID {
		return ErrLoadNotFound
	}
	load.FinancialStatus = LoadInvoiced
	load.InvoiceNumber = &invoiceNumber
	return nil
}

func (m *memoryRepo) RejectPendingLoad(ctx context.Context, tenantID, loadID int64) error {
	load, ok := m.loads[loadID]
	if !ok || load.TenantID != tenantID || load.FinancialStatus != LoadPendingInvoice {
		return ErrLoadNotPending
	}
	load.FinancialStatus = LoadReadyForAudit
	return nil
}

func (m *memoryRepo) MarkOverdueInvoices(ctx context.Context, tenantID int64, asOf time.Time) (int64, error) {
	var n int64
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID && inv.Status == InvoiceStatusSent &&
			inv.DueDate.Before(asOf) && inv.Balance.IsPositive() {
			inv.Status = InvoiceStatusOverdue
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) ListTenantIDs(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, inv := range m.invoices {
		if !seen[inv.TenantID] {
			seen[inv.TenantID] = true
			ids = append(ids, inv.TenantID)
		}
	}
	return ids, nil
}

// ============================================================================
// FAKE COLLABORATORS
// ============================================================================

type fakeFactoring struct {
	verdict       CreditVerdict
	creditErr     error
	submission    SubmissionResult
	submitErr     error
	creditCalls   int
	submitCalls   int
	lastSubmitted SubmissionRequest
}

func (f *fakeFactoring) CheckCredit(ctx context.Context, req CreditCheckRequest) (CreditVerdict, error) {
	f.creditCalls++
	if f.creditErr != nil {
		return CreditVerdict{}, f.creditErr
	}
	return f.verdict, nil
}

func (f *fakeFactoring) SubmitInvoice(ctx context.Context, req SubmissionRequest) (SubmissionResult, error) {
	f.submitCalls++
	f.lastSubmitted = req
	if f.submitErr != nil {
		return SubmissionResult{}, f.submitErr
	}
	return f.submission, nil
}

type fakeLocker struct {
	acquired bool
	err      error
	releases int
}

func (l *fakeLocker) Acquire(ctx context.Context, tenantID, loadID int64) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.releases++ }, true, nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (a *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

// ============================================================================
// FIXTURE
// ============================================================================

type serviceFixture struct {
	svc   *Service
	repo  *memoryRepo
	otr   *fakeFactoring
	locks *fakeLocker
	audit *fakeAudit
}

func newServiceFixture() *serviceFixture {
	repo := newMemoryRepo()
	repo.accountingEmail = "accounting@carrier.example.com"
	repo.customers[5] = &CustomerFacts{
		ID:             5,
		Name:           "Great Plains Produce",
		MCNumber:       "MC-481207",
		Email:          "ap@gpp.example.com",
		ApprovalStatus: "Approved",
	}
	repo.loads[10] = &PendingLoad{
		ID:              10,
		TenantID:        1,
		CustomerID:      5,
		Reference:       "GPP-2418",
		Rate:            decimal.RequireFromString("2450.00"),
		FinancialStatus: LoadPendingInvoice,
	}
	repo.documents[10] = []LoadDocument{
		{ID: 1, LoadID: 10, Type: DocRateConfirmation},
		{ID: 2, LoadID: 10, Type: DocBillOfLading},
	}

	otr := &fakeFactoring{
		verdict:    CreditVerdict{Status: ApprovalApproved},
		submission: SubmissionResult{Success: true, OTRInvoiceID: "otr-9001"},
	}
	locks := &fakeLocker{acquired: true}
	audit := &fakeAudit{}

	svc := NewService(repo, otr, locks, audit, nil, nil, ServiceConfig{})
	return &serviceFixture{svc: svc, repo: repo, otr: otr, locks: locks, audit: audit}
}

// ============================================================================
// SUBMISSION
// ============================================================================

func TestSubmitApprovedBrokerFactored(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	result, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, OutcomeFactored, result.Outcome)
	require.NotNil(t, result.Invoice)
	assert.Equal(t, "INV-000001", result.Invoice.Number)
	assert.Equal(t, MethodOTR, result.Invoice.BillingMethod)
	assert.Equal(t, "OTR Capital", result.Invoice.BillingParty)
	assert.Equal(t, InvoiceStatusSent, result.Invoice.Status)
	assert.Equal(t, FactoringSubmitted, result.Invoice.OTRStatus)
	require.NotNil(t, result.Invoice.OTRInvoiceID)
	assert.Equal(t, "otr-9001", *result.Invoice.OTRInvoiceID)

	load := fx.repo.loads[10]
	assert.Equal(t, LoadInvoiced, load.FinancialStatus)
	require.NotNil(t, load.InvoiceNumber)
	assert.Equal(t, "INV-000001", *load.InvoiceNumber)

	assert.Equal(t, 1, fx.locks.releases)
	require.Len(t, fx.audit.logs, 1)
	assert.Equal(t, "billing.submit", fx.audit.logs[0].Action)
}

func TestSubmitNonApprovedBrokerDirectEmail(t *testing.T) {
	fx := newServiceFixture()
	fx.otr.verdict = CreditVerdict{Status: ApprovalNotApproved}
	ctx := context.Background()

	result, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDirectEmail, result.Outcome)
	assert.Equal(t, MethodDirectEmail, result.Invoice.BillingMethod)
	assert.Equal(t, "Great Plains Produce", result.Invoice.BillingParty)
	assert.Equal(t, InvoiceStatusDraft, result.Invoice.Status)
	assert.Zero(t, fx.otr.submitCalls)

	// Direct email still invoices the load.
	assert.Equal(t, LoadInvoiced, fx.repo.loads[10].FinancialStatus)
}

func TestSubmitCreditCheckOutageFallsBackToEmail(t *testing.T) {
	fx := newServiceFixture()
	fx.otr.creditErr = errors.New("upstream timeout")
	ctx := context.Background()

	result, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDirectEmail, result.Outcome)
	assert.Equal(t, MethodDirectEmail, result.Invoice.BillingMethod)
	assert.Zero(t, fx.otr.submitCalls)
}

func TestSubmitFactoringFailureKeepsInvoice(t *testing.T) {
	fx := newServiceFixture()
	fx.otr.submission = SubmissionResult{Success: false, Error: "broker over limit"}
	ctx := context.Background()

	result, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSubmissionFailed, result.Outcome)
	assert.Equal(t, "broker over limit", result.SubmissionError)
	assert.Equal(t, FactoringFailed, result.Invoice.OTRStatus)

	// The invoice persists so a retry skips number allocation.
	stored := fx.repo.invoices[result.Invoice.ID]
	require.NotNil(t, stored)
	assert.Equal(t, FactoringFailed, stored.OTRStatus)
	assert.Nil(t, stored.OTRSubmittedAt)
}

func TestSubmitLoadNotFound(t *testing.T) {
	fx := newServiceFixture()
	_, err := fx.svc.Submit(context.Background(), 1, 999, 100)
	assert.ErrorIs(t, err, ErrLoadNotFound)
}

func TestSubmitWrongTenantLoadNotFound(t *testing.T) {
	fx := newServiceFixture()
	_, err := fx.svc.Submit(context.Background(), 2, 10, 100)
	assert.ErrorIs(t, err, ErrLoadNotFound)
}

func TestSubmitAlreadyInvoicedLoad(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)

	_, err = fx.svc.Submit(ctx, 1, 10, 100)
	assert.ErrorIs(t, err, ErrLoadNotPending)
}

func TestSubmitLockedLoadRejected(t *testing.T) {
	fx := newServiceFixture()
	fx.locks.acquired = false

	_, err := fx.svc.Submit(context.Background(), 1, 10, 100)
	assert.ErrorIs(t, err, ErrSubmissionInFlight)
	assert.Empty(t, fx.repo.invoices)
}

func TestSubmitLockOutageDoesNotBlock(t *testing.T) {
	// The unique load link constraint still guards when redis is down.
	fx := newServiceFixture()
	fx.locks.err = errors.New("redis gone")

	result, err := fx.svc.Submit(context.Background(), 1, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFactored, result.Outcome)
}

func TestSubmitAllocatesSequentialNumbers(t *testing.T) {
	fx := newServiceFixture()
	fx.repo.loads[11] = &PendingLoad{
		ID:              11,
		TenantID:        1,
		CustomerID:      5,
		Reference:       "GPP-2419",
		Rate:            decimal.NewFromInt(1800),
		FinancialStatus: LoadPendingInvoice,
	}
	ctx := context.Background()

	first, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	second, err := fx.svc.Submit(ctx, 1, 11, 100)
	require.NoError(t, err)

	assert.Equal(t, "INV-000001", first.Invoice.Number)
	assert.Equal(t, "INV-000002", second.Invoice.Number)
}

func TestSubmitRecordsMethodWithCreation(t *testing.T) {
	fx := newServiceFixture()

	result, err := fx.svc.Submit(context.Background(), 1, 10, 100)
	require.NoError(t, err)

	// The persisted row must already carry the routing decision; no invoice
	// may ever exist with an unresolved method.
	stored := fx.repo.invoices[result.Invoice.ID]
	require.NotNil(t, stored)
	assert.Equal(t, MethodOTR, stored.BillingMethod)
	assert.Equal(t, "OTR Capital", stored.BillingParty)
}

func TestSubmitCreateFailureLeavesLoadSubmittable(t *testing.T) {
	fx := newServiceFixture()
	fx.repo.createError = errors.New("deadlock detected")
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.Error(t, err)

	// Nothing persisted, load untouched.
	assert.Empty(t, fx.repo.invoices)
	assert.Empty(t, fx.repo.links)
	assert.Equal(t, LoadPendingInvoice, fx.repo.loads[10].FinancialStatus)

	// A later attempt succeeds from a clean slate.
	fx.repo.createError = nil
	result, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFactored, result.Outcome)
	assert.Equal(t, "INV-000001", result.Invoice.Number)
}

// ============================================================================
// RETRY
// ============================================================================

func TestRetryAfterFactoringFailure(t *testing.T) {
	fx := newServiceFixture()
	fx.otr.submission = SubmissionResult{Success: false, Error: "transient"}
	ctx := context.Background()

	failed, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmissionFailed, failed.Outcome)

	fx.otr.submission = SubmissionResult{Success: true, OTRInvoiceID: "otr-9002"}
	result, err := fx.svc.Retry(ctx, 1, failed.Invoice.ID, 100)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFactored, result.Outcome)
	assert.Equal(t, failed.Invoice.Number, result.Invoice.Number)

	// No second invoice and no second load link were created.
	assert.Len(t, fx.repo.invoices, 1)
	assert.Len(t, fx.repo.links, 1)
}

func TestRetryAlreadyDeliveredIsNoOp(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	submitted, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeFactored, submitted.Outcome)
	submitCallsBefore := fx.otr.submitCalls

	result, err := fx.svc.Retry(ctx, 1, submitted.Invoice.ID, 100)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFactored, result.Outcome)
	assert.Equal(t, submitCallsBefore, fx.otr.submitCalls)
}

func TestRetryDirectEmailInvoiceRejected(t *testing.T) {
	fx := newServiceFixture()
	fx.otr.verdict = CreditVerdict{Status: ApprovalNotFound}
	ctx := context.Background()

	submitted, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeDirectEmail, submitted.Outcome)

	_, err = fx.svc.Retry(ctx, 1, submitted.Invoice.ID, 100)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryUnknownInvoice(t *testing.T) {
	fx := newServiceFixture()
	_, err := fx.svc.Retry(context.Background(), 1, 999, 100)
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

// ============================================================================
// VERIFY
// ============================================================================

func TestVerifyCompleteLoad(t *testing.T) {
	fx := newServiceFixture()

	result, err := fx.svc.Verify(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Empty(t, result.Missing)
	assert.Equal(t, int64(10), result.Load.ID)
}

func TestVerifyReportsMissingFacts(t *testing.T) {
	fx := newServiceFixture()
	fx.repo.accountingEmail = ""
	fx.repo.customers[5].Email = ""
	fx.repo.documents[10] = nil

	result, err := fx.svc.Verify(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, []MissingInfo{
		MissingToEmail,
		MissingCCEmail,
		MissingRateCon,
		MissingBOLPOD,
	}, result.Missing)
}

func TestVerifyNonPendingLoad(t *testing.T) {
	fx := newServiceFixture()
	fx.repo.loads[10].FinancialStatus = LoadInvoiced

	_, err := fx.svc.Verify(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrLoadNotPending)
}

// ============================================================================
// DASHBOARD
// ============================================================================

func TestDashboardPartitionsTenantWork(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)

	fx.repo.loads[11] = &PendingLoad{
		ID:              11,
		TenantID:        1,
		CustomerID:      5,
		Reference:       "GPP-2419",
		Rate:            decimal.NewFromInt(1800),
		FinancialStatus: LoadPendingInvoice,
	}

	buckets, err := fx.svc.Dashboard(ctx, 1)
	require.NoError(t, err)

	counts := buckets.Counts()
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Delivered)
	assert.Equal(t, 1, counts.InvoiceTotal())
}

func TestDashboardScopedToTenant(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)

	buckets, err := fx.svc.Dashboard(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, buckets.Counts().InvoiceTotal())
	assert.Zero(t, buckets.Counts().Pending)
}

// ============================================================================
// REJECT / MAINTENANCE
// ============================================================================

func TestRejectLoad(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	err := fx.svc.RejectLoad(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, LoadReadyForAudit, fx.repo.loads[10].FinancialStatus)

	err = fx.svc.RejectLoad(ctx, 1, 10, 100)
	assert.ErrorIs(t, err, ErrLoadNotPending)
}

func TestMarkOverdueFlipsSentPastDue(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	result, err := fx.svc.Submit(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusSent, result.Invoice.Status)

	n, err := fx.svc.MarkOverdue(ctx, 1, time.Now().AddDate(0, 0, 45))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, InvoiceStatusOverdue, fx.repo.invoices[result.Invoice.ID].Status)

	// A second sweep finds nothing.
	n, err = fx.svc.MarkOverdue(ctx, 1, time.Now().AddDate(0, 0, 45))
	require.NoError(t, err)
	assert.Zero(t, n)
}
