package workflow

import "sort"

// Signer ordering policy: pure predicate logic over a signer list and the
// current step. No I/O. Gating always serializes by order; there is no
// parallel signing at a step.

// ValidateOrdering checks that the order values of the proposed signer list
// form exactly the contiguous sequence 1..N. It is applied before any
// mutation on initiate and update.
func ValidateOrdering(signers []Signer) error {
	if len(signers) == 0 {
		return Errf(KindValidation, "signer list must not be empty")
	}
	orders := make([]int, len(signers))
	for i, s := range signers {
		if s.UserID == "" {
			return Errf(KindValidation, "signer at index %d has no user id", i)
		}
		if s.Order < 1 {
			return Errf(KindValidation, "signer %s has non-positive order %d", s.UserID, s.Order)
		}
		orders[i] = s.Order
	}
	sort.Ints(orders)
	for i, o := range orders {
		if o != i+1 {
			return Errf(KindValidation, "signer orders must be contiguous 1..%d, got %v", len(signers), orders)
		}
	}
	return nil
}

// CurrentSigner returns the signer whose order equals currentStep and whose
// status is pending, or nil when no such signer exists. The returned pointer
// aliases the slice element.
func CurrentSigner(signers []Signer, currentStep int) *Signer {
	for i := range signers {
		if signers[i].Order == currentStep && signers[i].Status == SignerPending {
			return &signers[i]
		}
	}
	return nil
}

// NextSigners returns all pending signers with order >= currentStep in
// ascending order. This feeds "who is next" display only; gating uses
// CurrentSigner alone.
func NextSigners(signers []Signer, currentStep int) []Signer {
	var next []Signer
	for _, s := range signers {
		if s.Status == SignerPending && s.Order >= currentStep {
			next = append(next, s)
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Order < next[j].Order })
	return next
}

// CanAct reports whether userID is the current signer and therefore the only
// participant permitted to act.
func CanAct(signers []Signer, currentStep int, userID string) bool {
	cur := CurrentSigner(signers, currentStep)
	return cur != nil && cur.UserID == userID
}
