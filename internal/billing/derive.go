package billing

// DeriveDeliveryState computes the operational delivery state of an invoice
// from its surrounding facts. It is pure: no side effects, no clock, and the
// same facts always produce the same state. Callers must re-derive from a
// fresh read instead of persisting the result.
//
// Invoices in PAID, OVERDUE or CANCELLED status are reported by their
// accounting status (see Categorize); the delivery status computed here for
// them is not meaningful and the categorizer never consults it.
func DeriveDeliveryState(f InvoiceFacts) DeliveryState {
	state := DeliveryState{
		LastAttempt: f.LastAttempt,
	}

	for _, doc := range f.Documents {
		switch {
		case doc.Type == DocRateConfirmation:
			state.HasRateConfirmation = true
		case doc.Type.IsProofOfDelivery():
			state.HasProofOfDelivery = true
		}
	}

	state.MissingInfo = collectMissingInfo(f, state.HasRateConfirmation, state.HasProofOfDelivery)
	state.Status = deliveryStatus(f, state.MissingInfo)
	return state
}

// collectMissingInfo lists the required facts that are absent. Order is fixed
// so two derivations over identical facts compare equal.
func collectMissingInfo(f InvoiceFacts, hasRateCon, hasPOD bool) []MissingInfo {
	missing := make([]MissingInfo, 0, 5)
	if f.Invoice.BillingMethod == MethodUnknown || f.Invoice.BillingMethod == "" {
		missing = append(missing, MissingBillingMethod)
	}
	if f.Customer.ContactEmail() == "" {
		missing = append(missing, MissingToEmail)
	}
	if f.AccountingEmail == "" {
		missing = append(missing, MissingCCEmail)
	}
	if !hasRateCon {
		missing = append(missing, MissingRateCon)
	}
	if !hasPOD {
		missing = append(missing, MissingBOLPOD)
	}
	return missing
}

func deliveryStatus(f InvoiceFacts, missing []MissingInfo) DeliveryStatus {
	switch f.Invoice.BillingMethod {
	case MethodOTR:
		if f.Invoice.OTRSubmittedAt != nil {
			return DeliveryDelivered
		}
		if f.Invoice.OTRStatus == FactoringFailed {
			return DeliveryFailed
		}
		// OTR submission does not require attachments; documents alone
		// never hold it back.
		if onlyAttachmentsMissing(missing) {
			return DeliveryReady
		}
		return DeliveryNeedsSetup
	case MethodDirectEmail:
		if f.LastAttempt != nil {
			switch f.LastAttempt.Status {
			case EmailSent:
				return DeliveryDelivered
			case EmailFailed:
				return DeliveryFailed
			case EmailPending:
				// fall through to readiness below
			}
		}
		if len(missing) == 0 {
			return DeliveryReady
		}
		return DeliveryNeedsSetup
	case MethodUnknown:
		return DeliveryNeedsSetup
	default:
		// Unrecognized method means the facts are unusable.
		return DeliveryNeedsSetup
	}
}

// onlyAttachmentsMissing reports whether every missing item is a document
// requirement (rate confirmation or BOL/POD).
func onlyAttachmentsMissing(missing []MissingInfo) bool {
	for _, m := range missing {
		if m != MissingRateCon && m != MissingBOLPOD {
			return false
		}
	}
	return true
}
