// Package notify formats orchestration results for the operator. The three
// outcomes (not created / created but not delivered / delivered) must never
// collapse into one generic message.
package notify

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/haulbooks/haulbooks/internal/billing"
)

var printer = message.NewPrinter(language.AmericanEnglish)

// Money renders a dollar amount with grouping, e.g. "$1,200.00".
func Money(amount decimal.Decimal) string {
	v, _ := amount.Float64()
	return printer.Sprintf("$%v", number.Decimal(v,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}

// SubmitMessage describes a submission result to the operator.
func SubmitMessage(res *billing.SubmitResult) string {
	if res == nil || res.Invoice == nil {
		return "Invoice could not be created."
	}
	inv := res.Invoice
	switch res.Outcome {
	case billing.OutcomeFactored:
		return printer.Sprintf("Invoice %s for %s submitted to %s.", inv.Number, Money(inv.Total), inv.BillingParty)
	case billing.OutcomeDirectEmail:
		return printer.Sprintf("Invoice %s for %s created; it will be emailed to %s.", inv.Number, Money(inv.Total), inv.BillingParty)
	case billing.OutcomeSubmissionFailed:
		return printer.Sprintf("Invoice %s was created but factoring submission failed: %s. You can retry the submission.", inv.Number, res.SubmissionError)
	default:
		return printer.Sprintf("Invoice %s created.", inv.Number)
	}
}

// RetryMessage describes a retry result to the operator.
func RetryMessage(res *billing.SubmitResult) string {
	if res == nil || res.Invoice == nil {
		return "Retry failed."
	}
	switch res.Outcome {
	case billing.OutcomeFactored:
		return printer.Sprintf("Invoice %s submitted to %s.", res.Invoice.Number, res.Invoice.BillingParty)
	case billing.OutcomeSubmissionFailed:
		return printer.Sprintf("Submission of invoice %s failed again: %s.", res.Invoice.Number, res.SubmissionError)
	default:
		return printer.Sprintf("Invoice %s updated.", res.Invoice.Number)
	}
}
