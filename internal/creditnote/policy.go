package creditnote

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusCancelled
}

// CanTransitionTo reports whether s may move to next. Only active notes can
// be cancelled and cancelled is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && next == StatusCancelled
}

// CancellationPolicy holds the product rules for cancelling credit notes.
type CancellationPolicy struct {
	// BlockIssuedInvoices forbids cancelling notes whose invoice is an
	// issued tax invoice.
	BlockIssuedInvoices bool
}

// DefaultCancellationPolicy mirrors the behaviour users see today.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{BlockIssuedInvoices: true}
}

// CheckCancel validates cancelling note, which belongs to inv.
func (p CancellationPolicy) CheckCancel(note CreditNote, inv Invoice) error {
	if !note.Status.CanTransitionTo(StatusCancelled) {
		return ErrInvalidStatus
	}
	if p.BlockIssuedInvoices && inv.Status.Issued() {
		return ErrCancellationBlocked
	}
	return nil
}
