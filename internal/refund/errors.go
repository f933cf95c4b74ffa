package refund

import "errors"

var (
	ErrNothingToRefund    = errors.New("nothing to refund")
	ErrExceedsAvailable   = errors.New("refund exceeds available balance")
	ErrStaleProposal      = errors.New("refund proposal is stale, rebuild it from the current order")
	ErrPersistenceFailure = errors.New("refund could not be persisted")
)

// rejectionReason maps validation errors to the reason carried by
// RefundRejected events. Storage errors have no reason.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleProposal):
		return "stale_proposal"
	case errors.Is(err, ErrNothingToRefund):
		return "nothing_to_refund"
	case errors.Is(err, ErrExceedsAvailable):
		return "exceeds_available"
	default:
		return ""
	}
}
