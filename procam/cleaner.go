package procam

import "fmt"

// Cleaner removes boards whose reprojection error exceeds MaxError.
// It does nothing while a store holds MinSamples boards or fewer.
type Cleaner struct {
	MaxError   float64
	MinSamples int
}

// Clean prunes one store in place and returns the number of removed boards
func (c Cleaner) Clean(s *SampleStore) int {
	if !c.eligible(s) {
		return 0
	}
	mask, removed := c.mask(s)
	if removed > 0 {
		s.keep(mask)
	}
	return removed
}

// CleanCoupled prunes primary by its own errors and removes the same indices
// from follower, so the two stores stay index-aligned.
func (c Cleaner) CleanCoupled(primary, follower *SampleStore) (int, error) {
	if primary.Len() != follower.Len() {
		return 0, fmt.Errorf("coupled stores hold %d and %d boards: %w",
			primary.Len(), follower.Len(), ErrPointMismatch)
	}
	if !c.eligible(primary) {
		return 0, nil
	}
	mask, removed := c.mask(primary)
	if removed > 0 {
		primary.keep(mask)
		follower.keep(mask)
	}
	return removed, nil
}

func (c Cleaner) eligible(s *SampleStore) bool {
	return s.Ready() && s.Len() > c.MinSamples
}

func (c Cleaner) mask(s *SampleStore) ([]bool, int) {
	mask := make([]bool, s.Len())
	removed := 0
	for i, b := range s.boards {
		if b.Error > c.MaxError {
			removed++
			continue
		}
		mask[i] = true
	}
	return mask, removed
}
