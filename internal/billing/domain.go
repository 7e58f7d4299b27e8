package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// INVOICE STATUS
// ============================================================================

// InvoiceStatus represents the accounting lifecycle of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"     // Created, not yet delivered anywhere
	InvoiceStatusSent      InvoiceStatus = "SENT"      // Delivered to factoring partner or emailed
	InvoiceStatusPaid      InvoiceStatus = "PAID"      // Reconciled as paid
	InvoiceStatusOverdue   InvoiceStatus = "OVERDUE"   // Past due date without payment
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED" // Voided; excluded from all reporting
)

// IsValid checks if the status is a known value.
func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status bypasses delivery derivation.
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusOverdue
}

// ============================================================================
// BILLING METHOD
// ============================================================================

// BillingMethod describes how an invoice is routed for collection.
type BillingMethod string

const (
	MethodUnknown     BillingMethod = "UNKNOWN"      // Not yet resolved by a credit check
	MethodOTR         BillingMethod = "OTR"          // Routed through the factoring partner
	MethodDirectEmail BillingMethod = "DIRECT_EMAIL" // Billed directly to the customer by email
)

// IsValid checks if the billing method is a known value.
func (m BillingMethod) IsValid() bool {
	switch m {
	case MethodUnknown, MethodOTR, MethodDirectEmail:
		return true
	default:
		return false
	}
}

// ============================================================================
// FACTORING SUBMISSION STATUS
// ============================================================================

// FactoringStatus tracks the outcome of submitting an invoice to the
// factoring partner. Empty means no submission has been attempted.
type FactoringStatus string

const (
	FactoringNone      FactoringStatus = ""
	FactoringPending   FactoringStatus = "PENDING"
	FactoringSubmitted FactoringStatus = "SUBMITTED"
	FactoringFailed    FactoringStatus = "FAILED"
)

// ============================================================================
// DELIVERY STATUS (derived, never stored)
// ============================================================================

// DeliveryStatus is the derived operational state of an invoice, independent
// of the accounting status.
type DeliveryStatus string

const (
	DeliveryNeedsSetup DeliveryStatus = "NEEDS_SETUP" // Required info missing
	DeliveryReady      DeliveryStatus = "READY"       // Everything present, not yet delivered
	DeliveryDelivered  DeliveryStatus = "DELIVERED"   // Submitted to OTR or emailed successfully
	DeliveryFailed     DeliveryStatus = "FAILED"      // Last delivery attempt failed
)

// ============================================================================
// EMAIL DELIVERY
// ============================================================================

// EmailStatus is the outcome recorded on an outbound email attempt.
type EmailStatus string

const (
	EmailSent    EmailStatus = "SENT"
	EmailFailed  EmailStatus = "FAILED"
	EmailPending EmailStatus = "PENDING"
)

// EmailAttempt is one entry of the append-only outbound email log. The
// deriver only reads the most recent attempt per invoice.
type EmailAttempt struct {
	ID        int64       `json:"id"`
	InvoiceID int64       `json:"invoice_id"`
	Status    EmailStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ============================================================================
// DOCUMENTS
// ============================================================================

// DocumentType classifies uploaded load documents. Only the rate confirmation
// and proof-of-delivery classes matter to billing.
type DocumentType string

const (
	DocRateConfirmation DocumentType = "RATE_CONFIRMATION"
	DocBillOfLading     DocumentType = "BOL"
	DocProofOfDelivery  DocumentType = "POD"
	DocOther            DocumentType = "OTHER"
)

// IsProofOfDelivery reports whether the document satisfies the delivery-proof
// requirement. A BOL or a POD are interchangeable for billing.
func (t DocumentType) IsProofOfDelivery() bool {
	return t == DocBillOfLading || t == DocProofOfDelivery
}

// LoadDocument is an uploaded document attached to a load. Only existence
// matters to billing, never content.
type LoadDocument struct {
	ID         int64        `json:"id"`
	LoadID     int64        `json:"load_id"`
	Type       DocumentType `json:"type"`
	UploadedAt time.Time    `json:"uploaded_at"`
}

// ============================================================================
// CUSTOMER / BROKER FACTS
// ============================================================================

// ApprovalStatus is the normalized factoring approval verdict for a broker.
type ApprovalStatus string

const (
	ApprovalApproved    ApprovalStatus = "APPROVED"
	ApprovalNotApproved ApprovalStatus = "NOT_APPROVED"
	ApprovalCallOTR     ApprovalStatus = "CALL_OTR"
	ApprovalNotFound    ApprovalStatus = "NOT_FOUND"
)

// NormalizeApproval maps a raw verdict string onto the closed vocabulary.
// Matching is case-insensitive; anything unrecognized is NOT_FOUND.
func NormalizeApproval(raw string) ApprovalStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED":
		return ApprovalApproved
	case "NOT_APPROVED", "DECLINED":
		return ApprovalNotApproved
	case "CALL_OTR":
		return ApprovalCallOTR
	default:
		return ApprovalNotFound
	}
}

// CustomerFacts carries the customer/broker fields billing reads. Owned by
// the customer-management module; read-only here.
type CustomerFacts struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	MCNumber       string `json:"mc_number,omitempty"`
	Email          string `json:"email,omitempty"`
	BillingEmail   string `json:"billing_email,omitempty"`
	ApprovalStatus string `json:"otr_approval_status,omitempty"` // raw value as stored
}

// BrokerApproved reports whether the stored approval status routes to
// factoring. Only an exact case-insensitive "approved" qualifies.
func (c CustomerFacts) BrokerApproved() bool {
	return strings.EqualFold(strings.TrimSpace(c.ApprovalStatus), "approved")
}

// ContactEmail returns the usable destination address, billing email first.
func (c CustomerFacts) ContactEmail() string {
	if c.BillingEmail != "" {
		return c.BillingEmail
	}
	return c.Email
}

// ============================================================================
// INVOICE ENTITY
// ============================================================================

// Invoice is the billing document for one or more loads. Owned by the tenant;
// created and mutated by the submission orchestrator. Never physically
// deleted: cancellation is a status.
type Invoice struct {
	ID             int64           `json:"id"`
	TenantID       int64           `json:"tenant_id"`
	Number         string          `json:"number"`
	CustomerID     int64           `json:"customer_id"`
	BillingParty   string          `json:"billing_party"`
	InvoiceDate    time.Time       `json:"invoice_date"`
	DueDate        time.Time       `json:"due_date"`
	Total          decimal.Decimal `json:"total"`
	Paid           decimal.Decimal `json:"paid"`
	Balance        decimal.Decimal `json:"balance"`
	Status         InvoiceStatus   `json:"status"`
	BillingMethod  BillingMethod   `json:"billing_method"`
	OTRStatus      FactoringStatus `json:"otr_status,omitempty"`
	OTRSubmittedAt *time.Time      `json:"otr_submitted_at,omitempty"`
	OTRInvoiceID   *string         `json:"otr_invoice_id,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InvoiceLoad links a load onto an invoice with its line amount. Created
// atomically with the invoice during submission.
type InvoiceLoad struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	LoadID      int64           `json:"load_id"`
	TenantID    int64           `json:"tenant_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// ============================================================================
// PENDING LOADS
// ============================================================================

// FinancialStatus is the billing lifecycle of a completed load.
type FinancialStatus string

const (
	LoadPendingInvoice FinancialStatus = "PENDING_INVOICE" // Completed, awaiting invoice creation
	LoadInvoiced       FinancialStatus = "INVOICED"        // An invoice exists for this load
	LoadReadyForAudit  FinancialStatus = "READY_FOR_AUDIT" // Explicitly rejected back for review
)

// IsValid checks if the financial status is a known value.
func (s FinancialStatus) IsValid() bool {
	switch s {
	case LoadPendingInvoice, LoadInvoiced, LoadReadyForAudit:
		return true
	default:
		return false
	}
}

// PendingLoad is a completed load that has not been invoiced yet.
type PendingLoad struct {
	ID              int64           `json:"id"`
	TenantID        int64           `json:"tenant_id"`
	CustomerID      int64           `json:"customer_id"`
	Reference       string          `json:"reference"`
	Rate            decimal.Decimal `json:"rate"`
	FinancialStatus FinancialStatus `json:"financial_status"`
	InvoiceNumber   *string         `json:"invoice_number,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
}

// ============================================================================
// DERIVATION INPUT / OUTPUT
// ============================================================================

// MissingInfo names one piece of required information absent from the facts.
type MissingInfo string

const (
	MissingBillingMethod MissingInfo = "billing_method"
	MissingToEmail       MissingInfo = "to_email"
	MissingCCEmail       MissingInfo = "cc_email"
	MissingRateCon       MissingInfo = "rate_confirmation"
	MissingBOLPOD        MissingInfo = "bol_pod"
)

// InvoiceFacts bundles everything the deriver reads for one invoice. It is
// assembled fresh from the fact store on every read; nothing in it is cached
// derived state.
type InvoiceFacts struct {
	Invoice         Invoice        `json:"invoice"`
	Loads           []InvoiceLoad  `json:"loads"`
	Documents       []LoadDocument `json:"documents"`
	LastAttempt     *EmailAttempt  `json:"last_attempt,omitempty"`
	Customer        CustomerFacts  `json:"customer"`
	AccountingEmail string         `json:"accounting_email,omitempty"` // tenant-wide CC address
}

// DeliveryState is the pure projection computed from InvoiceFacts.
type DeliveryState struct {
	Status              DeliveryStatus `json:"delivery_status"`
	MissingInfo         []MissingInfo  `json:"missing_info"`
	HasRateConfirmation bool           `json:"has_rate_confirmation"`
	HasProofOfDelivery  bool           `json:"has_pod_or_bol"`
	LastAttempt         *EmailAttempt  `json:"last_attempt,omitempty"`
}
