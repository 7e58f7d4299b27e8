package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/haulbooks/haulbooks/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for billing facts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

const invoiceColumns = `id, tenant_id, number, customer_id, billing_party, invoice_date, due_date,
	total, paid, balance, status, billing_method, COALESCE(otr_status, ''), otr_submitted_at,
	otr_invoice_id, sent_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv                 Invoice
		total, paid, balance pgtype.Numeric
	)
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.Number, &inv.CustomerID, &inv.BillingParty,
		&inv.InvoiceDate, &inv.DueDate, &total, &paid, &balance,
		&inv.Status, &inv.BillingMethod, &inv.OTRStatus, &inv.OTRSubmittedAt,
		&inv.OTRInvoiceID, &inv.SentAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Total = numericToDecimal(total)
	inv.Paid = numericToDecimal(paid)
	inv.Balance = numericToDecimal(balance)
	return &inv, nil
}

// ============================================================================
// READ PATH
// ============================================================================

// ListInvoiceFacts assembles the full fact bundle for every invoice of the
// tenant. Derived state is never read from storage; callers derive it fresh.
func (r *Repository) ListInvoiceFacts(ctx context.Context, tenantID int64) ([]InvoiceFacts, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}

	accountingEmail, err := r.GetAccountingEmail(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	links, err := r.listInvoiceLoads(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := r.listDocumentsByLoad(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	attempts, err := r.latestAttemptsByInvoice(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	customers, err := r.customersByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	facts := make([]InvoiceFacts, 0, len(invoices))
	for _, inv := range invoices {
		f := InvoiceFacts{
			Invoice:         inv,
			Loads:           links[inv.ID],
			LastAttempt:     attempts[inv.ID],
			AccountingEmail: accountingEmail,
		}
		if cust, ok := customers[inv.CustomerID]; ok {
			f.Customer = cust
		}
		for _, link := range f.Loads {
			f.Documents = append(f.Documents, docs[link.LoadID]...)
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// GetInvoiceFacts assembles the fact bundle for a single invoice.
func (r *Repository) GetInvoiceFacts(ctx context.Context, tenantID, invoiceID int64) (*InvoiceFacts, error) {
	inv, err := r.getInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}

	f := InvoiceFacts{Invoice: *inv}

	f.AccountingEmail, err = r.GetAccountingEmail(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	linkRows, err := r.pool.Query(ctx,
		`SELECT id, invoice_id, load_id, tenant_id, description, amount FROM invoice_loads WHERE tenant_id = $1 AND invoice_id = $2 ORDER BY id`,
		tenantID, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoice loads: %w", err)
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var (
			link   InvoiceLoad
			amount pgtype.Numeric
		)
		if err := linkRows.Scan(&link.ID, &link.InvoiceID, &link.LoadID, &link.TenantID, &link.Description, &amount); err != nil {
			return nil, err
		}
		link.Amount = numericToDecimal(amount)
		f.Loads = append(f.Loads, link)
	}
	if err := linkRows.Err(); err != nil {
		return nil, err
	}

	for _, link := range f.Loads {
		docs, err := r.ListLoadDocuments(ctx, tenantID, link.LoadID)
		if err != nil {
			return nil, err
		}
		f.Documents = append(f.Documents, docs...)
	}

	attempt, err := r.latestAttempt(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	f.LastAttempt = attempt

	cust, err := r.GetCustomerFacts(ctx, tenantID, inv.CustomerID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if cust != nil {
		f.Customer = *cust
	}

	return &f, nil
}

func (r *Repository) getInvoice(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2`, tenantID, invoiceID)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("billing: get invoice: %w", err)
	}
	return inv, nil
}

// ListPendingLoads returns completed loads still awaiting invoice creation.
func (r *Repository) ListPendingLoads(ctx context.Context, tenantID int64) ([]PendingLoad, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, customer_id, reference, rate, financial_status, invoice_number, delivered_at
		 FROM loads WHERE tenant_id = $1 AND financial_status = $2 ORDER BY delivered_at NULLS LAST, id`,
		tenantID, LoadPendingInvoice)
	if err != nil {
		return nil, fmt.Errorf("billing: list pending loads: %w", err)
	}
	defer rows.Close()

	var loads []PendingLoad
	for rows.Next() {
		load, err := scanLoad(rows)
		if err != nil {
			return nil, err
		}
		loads = append(loads, *load)
	}
	return loads, rows.Err()
}

func scanLoad(row pgx.Row) (*PendingLoad, error) {
	var (
		load PendingLoad
		rate pgtype.Numeric
	)
	if err := row.Scan(&load.ID, &load.TenantID, &load.CustomerID, &load.Reference, &rate,
		&load.FinancialStatus, &load.InvoiceNumber, &load.DeliveredAt); err != nil {
		return nil, err
	}
	load.Rate = numericToDecimal(rate)
	return &load, nil
}

// GetLoad returns one load regardless of its financial status.
func (r *Repository) GetLoad(ctx context.Context, tenantID, loadID int64) (*PendingLoad, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, customer_id, reference, rate, financial_status, invoice_number, delivered_at
		 FROM loads WHERE tenant_id = $1 AND id = $2`, tenantID, loadID)
	load, err := scanLoad(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLoadNotFound
		}
		return nil, fmt.Errorf("billing: get load: %w", err)
	}
	return load, nil
}

// GetCustomerFacts reads the factoring-relevant customer fields.
func (r *Repository) GetCustomerFacts(ctx context.Context, tenantID, customerID int64) (*CustomerFacts, error) {
	var c CustomerFacts
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(mc_number, ''), COALESCE(email, ''), COALESCE(billing_email, ''), COALESCE(otr_approval_status, '')
		 FROM customers WHERE tenant_id = $1 AND id = $2`, tenantID, customerID).
		Scan(&c.ID, &c.Name, &c.MCNumber, &c.Email, &c.BillingEmail, &c.ApprovalStatus)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetAccountingEmail returns the tenant-wide CC address, empty when unset.
func (r *Repository) GetAccountingEmail(ctx context.Context, tenantID int64) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(accounting_email, '') FROM tenants WHERE id = $1`, tenantID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("billing: accounting email: %w", err)
	}
	return email, nil
}

// ListLoadDocuments returns all documents uploaded for a load.
func (r *Repository) ListLoadDocuments(ctx context.Context, tenantID, loadID int64) ([]LoadDocument, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, load_id, doc_type, uploaded_at FROM load_documents WHERE tenant_id = $1 AND load_id = $2 ORDER BY uploaded_at`,
		tenantID, loadID)
	if err != nil {
		return nil, fmt.Errorf("billing: list documents: %w", err)
	}
	defer rows.Close()

	var docs []LoadDocument
	for rows.Next() {
		var d LoadDocument
		if err := rows.Scan(&d.ID, &d.LoadID, &d.Type, &d.UploadedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *Repository) listInvoiceLoads(ctx context.Context, tenantID int64) (map[int64][]InvoiceLoad, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, invoice_id, load_id, tenant_id, description, amount FROM invoice_loads WHERE tenant_id = $1 ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoice loads: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]InvoiceLoad)
	for rows.Next() {
		var (
			link   InvoiceLoad
			amount pgtype.Numeric
		)
		if err := rows.Scan(&link.ID, &link.InvoiceID, &link.LoadID, &link.TenantID, &link.Description, &amount); err != nil {
			return nil, err
		}
		link.Amount = numericToDecimal(amount)
		out[link.InvoiceID] = append(out[link.InvoiceID], link)
	}
	return out, rows.Err()
}

func (r *Repository) listDocumentsByLoad(ctx context.Context, tenantID int64) (map[int64][]LoadDocument, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, load_id, doc_type, uploaded_at FROM load_documents WHERE tenant_id = $1 ORDER BY uploaded_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: list documents: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]LoadDocument)
	for rows.Next() {
		var d LoadDocument
		if err := rows.Scan(&d.ID, &d.LoadID, &d.Type, &d.UploadedAt); err != nil {
			return nil, err
		}
		out[d.LoadID] = append(out[d.LoadID], d)
	}
	return out, rows.Err()
}

// latestAttemptsByInvoice reads only the most recent email attempt per
// invoice; the log itself is append-only and owned by the email collaborator.
func (r *Repository) latestAttemptsByInvoice(ctx context.Context, tenantID int64) (map[int64]*EmailAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (invoice_id) id, invoice_id, status, COALESCE(error, ''), created_at
		 FROM email_attempts WHERE tenant_id = $1 ORDER BY invoice_id, created_at DESC, id DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: list email attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*EmailAttempt)
	for rows.Next() {
		var a EmailAttempt
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.Status, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempt := a
		out[a.InvoiceID] = &attempt
	}
	return out, rows.Err()
}

func (r *Repository) latestAttempt(ctx context.Context, tenantID, invoiceID int64) (*EmailAttempt, error) {
	var a EmailAttempt
	err := r.pool.QueryRow(ctx,
		`SELECT id, invoice_id, status, COALESCE(error, ''), created_at
		 FROM email_attempts WHERE tenant_id = $1 AND invoice_id = $2 ORDER BY created_at DESC, id DESC LIMIT 1`,
		tenantID, invoiceID).Scan(&a.ID, &a.InvoiceID, &a.Status, &a.Error, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("billing: latest email attempt: %w", err)
	}
	return &a, nil
}

func (r *Repository) customersByID(ctx context.Context, tenantID int64) (map[int64]CustomerFacts, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, COALESCE(mc_number, ''), COALESCE(email, ''), COALESCE(billing_email, ''), COALESCE(otr_approval_status, '')
		 FROM customers WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: list customers: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]CustomerFacts)
	for rows.Next() {
		var c CustomerFacts
		if err := rows.Scan(&c.ID, &c.Name, &c.MCNumber, &c.Email, &c.BillingEmail, &c.ApprovalStatus); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// ListTenantIDs enumerates tenants for background maintenance jobs.
func (r *Repository) ListTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("billing: list tenants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ============================================================================
// WRITE PATH
// ============================================================================

// CreateInvoiceWithLoad allocates the next invoice number from the tenant's
// sequence and inserts the draft invoice plus its load link in a single
// transaction. Allocation is a server-side atomic increment; concurrent
// submissions from the same tenant can never collide or skip. A unique index
// on invoice_loads(tenant_id, load_id) rejects double-invoicing the same load.
func (r *Repository) CreateInvoiceWithLoad(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	var created *Invoice

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status FinancialStatus
		err := tx.QueryRow(ctx, `SELECT financial_status FROM loads WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			input.TenantID, input.LoadID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLoadNotFound
			}
			return fmt.Errorf("billing: lock load: %w", err)
		}
		if status != LoadPendingInvoice {
			return ErrLoadNotPending
		}

		var seq int64
		err = tx.QueryRow(ctx,
			`INSERT INTO invoice_sequences (tenant_id, last_value) VALUES ($1, 1)
			 ON CONFLICT (tenant_id) DO UPDATE SET last_value = invoice_sequences.last_value + 1
			 RETURNING last_value`, input.TenantID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("billing: allocate invoice number: %w", err)
		}
		number := fmt.Sprintf("INV-%06d", seq)

		method := input.Method
		if method == "" {
			method = MethodUnknown
		}

		now := time.Now()
		inv := Invoice{
			TenantID:      input.TenantID,
			Number:        number,
			CustomerID:    input.CustomerID,
			BillingParty:  input.BillingParty,
			InvoiceDate:   input.InvoiceDate,
			DueDate:       input.DueDate,
			Total:         input.Amount,
			Paid:          decimal.Zero,
			Balance:       input.Amount,
			Status:        InvoiceStatusDraft,
			BillingMethod: method,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO invoices (tenant_id, number, customer_id, billing_party, invoice_date, due_date,
				total, paid, balance, status, billing_method, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
			inv.TenantID, inv.Number, inv.CustomerID, inv.BillingParty, inv.InvoiceDate, inv.DueDate,
			inv.Total.String(), inv.Paid.String(), inv.Balance.String(), inv.Status, inv.BillingMethod,
			inv.CreatedAt, inv.UpdatedAt).Scan(&inv.ID)
		if err != nil {
			return fmt.Errorf("billing: insert invoice: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO invoice_loads (invoice_id, load_id, tenant_id, description, amount) VALUES ($1, $2, $3, $4, $5)`,
			inv.ID, input.LoadID, input.TenantID, input.Description, input.Amount.String())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrLoadAlreadyInvoiced
			}
			return fmt.Errorf("billing: insert invoice load: %w", err)
		}

		created = &inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MarkFactoringDelivered records a successful factoring submission and flips
// the source load to INVOICED in the same transaction.
func (r *Repository) MarkFactoringDelivered(ctx context.Context, tenantID, invoiceID int64, otrInvoiceID *string, at time.Time) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var number string
		err := tx.QueryRow(ctx,
			`UPDATE invoices SET status = $1, otr_status = $2, otr_submitted_at = $3, otr_invoice_id = $4,
				sent_at = $3, updated_at = NOW()
			 WHERE tenant_id = $5 AND id = $6 RETURNING number`,
			InvoiceStatusSent, FactoringSubmitted, at, otrInvoiceID, tenantID, invoiceID).Scan(&number)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvoiceNotFound
			}
			return fmt.Errorf("billing: mark delivered: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE loads SET financial_status = $1, invoice_number = $2
			 WHERE tenant_id = $3 AND id IN (SELECT load_id FROM invoice_loads WHERE tenant_id = $3 AND invoice_id = $4)`,
			LoadInvoiced, number, tenantID, invoiceID)
		if err != nil {
			return fmt.Errorf("billing: mark load invoiced: %w", err)
		}
		return nil
	})
}

// MarkFactoringFailed records a failed submission; the invoice persists and
// the source load keeps its current status so the operator can retry.
func (r *Repository) MarkFactoringFailed(ctx context.Context, tenantID, invoiceID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET otr_status = $1, updated_at = NOW() WHERE tenant_id = $2 AND id = $3`,
		FactoringFailed, tenantID, invoiceID)
	if err != nil {
		return fmt.Errorf("billing: mark factoring failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// MarkLoadInvoiced flips a load to INVOICED, recording its invoice number.
func (r *Repository) MarkLoadInvoiced(ctx context.Context, tenantID, loadID int64, invoiceNumber string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE loads SET financial_status = $1, invoice_number = $2 WHERE tenant_id = $3 AND id = $4`,
		LoadInvoiced, invoiceNumber, tenantID, loadID)
	if err != nil {
		return fmt.Errorf("billing: mark load invoiced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLoadNotFound
	}
	return nil
}

// RejectPendingLoad sends a pending load back for review.
func (r *Repository) RejectPendingLoad(ctx context.Context, tenantID, loadID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE loads SET financial_status = $1 WHERE tenant_id = $2 AND id = $3 AND financial_status = $4`,
		LoadReadyForAudit, tenantID, loadID, LoadPendingInvoice)
	if err != nil {
		return fmt.Errorf("billing: reject load: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLoadNotPending
	}
	return nil
}

// MarkOverdueInvoices flips SENT invoices past their due date to OVERDUE.
func (r *Repository) MarkOverdueInvoices(ctx context.Context, tenantID int64, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = $1, updated_at = NOW()
		 WHERE tenant_id = $2 AND status = $3 AND due_date < $4 AND balance > 0`,
		InvoiceStatusOverdue, tenantID, InvoiceStatusSent, asOf)
	if err != nil {
		return 0, fmt.Errorf("billing: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}
