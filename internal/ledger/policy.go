package ledger

import "fmt"

// ShortfallPolicy decides what happens when a sale asks for more units than the lots hold.
type ShortfallPolicy string

const (
	// ShortfallReject refuses the sale before any write.
	ShortfallReject ShortfallPolicy = "reject"
	// ShortfallAcknowledge proceeds only when the caller acknowledged negative stock.
	ShortfallAcknowledge ShortfallPolicy = "acknowledge"
	// ShortfallAllow always proceeds and reports the shortfall.
	ShortfallAllow ShortfallPolicy = "allow"
)

// Valid reports whether the policy is known.
func (p ShortfallPolicy) Valid() bool {
	switch p {
	case ShortfallReject, ShortfallAcknowledge, ShortfallAllow:
		return true
	}
	return false
}

// Shortage describes one variant the lots cannot fully cover.
type Shortage struct {
	VariantID int64
	Requested int64
	Available int64
}

// Missing is the uncovered quantity.
func (s Shortage) Missing() int64 {
	return s.Requested - s.Available
}

// Check applies the policy to a set of shortages.
func (p ShortfallPolicy) Check(shortages []Shortage, acknowledged bool) error {
	if len(shortages) == 0 {
		return nil
	}
	switch p {
	case ShortfallAllow:
		return nil
	case ShortfallAcknowledge:
		if acknowledged {
			return nil
		}
	}
	first := shortages[0]
	return fmt.Errorf("%w: variant %d requested %d available %d", ErrInsufficientStock, first.VariantID, first.Requested, first.Available)
}
