package billing

// Bucket names one slice of the billing dashboard.
type Bucket string

const (
	BucketPending    Bucket = "pending" // loads awaiting invoice creation, not an invoice bucket
	BucketNeedsSetup Bucket = "needs_setup"
	BucketReady      Bucket = "ready"
	BucketDelivered  Bucket = "delivered"
	BucketFailed     Bucket = "failed"
	BucketPaid       Bucket = "paid"
	BucketOverdue    Bucket = "overdue"
)

// CategorizedInvoice pairs an invoice's facts with its derived state for
// presentation.
type CategorizedInvoice struct {
	Facts InvoiceFacts  `json:"facts"`
	State DeliveryState `json:"state"`
}

// Buckets is the strict partition of all non-cancelled invoices plus the
// separate set of loads with no invoice yet. Every non-cancelled invoice
// lands in exactly one invoice bucket.
type Buckets struct {
	Pending    []PendingLoad        `json:"pending"`
	NeedsSetup []CategorizedInvoice `json:"needs_setup"`
	Ready      []CategorizedInvoice `json:"ready"`
	Delivered  []CategorizedInvoice `json:"delivered"`
	Failed     []CategorizedInvoice `json:"failed"`
	Paid       []CategorizedInvoice `json:"paid"`
	Overdue    []CategorizedInvoice `json:"overdue"`
}

// Counts summarises bucket sizes for the dashboard header.
type Counts struct {
	Pending    int `json:"pending"`
	NeedsSetup int `json:"needs_setup"`
	Ready      int `json:"ready"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Paid       int `json:"paid"`
	Overdue    int `json:"overdue"`
}

// Counts returns the per-bucket sizes.
func (b Buckets) Counts() Counts {
	return Counts{
		Pending:    len(b.Pending),
		NeedsSetup: len(b.NeedsSetup),
		Ready:      len(b.Ready),
		Delivered:  len(b.Delivered),
		Failed:     len(b.Failed),
		Paid:       len(b.Paid),
		Overdue:    len(b.Overdue),
	}
}

// InvoiceTotal is the number of invoices across all invoice buckets. For any
// input it equals the number of non-cancelled invoices handed to Categorize.
func (c Counts) InvoiceTotal() int {
	return c.NeedsSetup + c.Ready + c.Delivered + c.Failed + c.Paid + c.Overdue
}

// Categorize partitions invoices into dashboard buckets and attaches the
// loads still awaiting invoice creation. Accounting status wins over derived
// delivery state: PAID and OVERDUE short-circuit derivation, CANCELLED is
// dropped entirely.
func Categorize(facts []InvoiceFacts, pending []PendingLoad) Buckets {
	var b Buckets
	b.Pending = append(b.Pending, pending...)

	for _, f := range facts {
		switch f.Invoice.Status {
		case InvoiceStatusPaid:
			b.Paid = append(b.Paid, CategorizedInvoice{Facts: f, State: DeriveDeliveryState(f)})
			continue
		case InvoiceStatusOverdue:
			b.Overdue = append(b.Overdue, CategorizedInvoice{Facts: f, State: DeriveDeliveryState(f)})
			continue
		case InvoiceStatusCancelled:
			continue
		}

		entry := CategorizedInvoice{Facts: f, State: DeriveDeliveryState(f)}
		switch entry.State.Status {
		case DeliveryNeedsSetup:
			b.NeedsSetup = append(b.NeedsSetup, entry)
		case DeliveryReady:
			b.Ready = append(b.Ready, entry)
		case DeliveryDelivered:
			b.Delivered = append(b.Delivered, entry)
		case DeliveryFailed:
			b.Failed = append(b.Failed, entry)
		}
	}

	return b
}
