package procam

import (
	"fmt"
	"math"
)

// SampleStore is the ordered set of accepted boards for one device together with
// the device's current intrinsic estimate. Index order is acquisition order.
type SampleStore struct {
	device     Device
	size       ImageSize
	boards     []Observation
	intrinsics Intrinsics
	calibrated bool
	rms        float64
}

// NewSampleStore creates an empty store for a device of the given resolution
func NewSampleStore(device Device, size ImageSize) *SampleStore {
	return &SampleStore{
		device:     device,
		size:       size,
		intrinsics: Intrinsics{Size: size},
	}
}

// Device returns the device this store belongs to
func (s *SampleStore) Device() Device { return s.device }

// Size returns the device resolution
func (s *SampleStore) Size() ImageSize { return s.size }

// Len returns the number of stored boards
func (s *SampleStore) Len() int { return len(s.boards) }

// At returns a copy of the i-th board
func (s *SampleStore) At(i int) Observation { return s.boards[i].Clone() }

// Last returns a copy of the most recently accepted board
func (s *SampleStore) Last() (Observation, bool) {
	if len(s.boards) == 0 {
		return Observation{}, false
	}
	return s.boards[len(s.boards)-1].Clone(), true
}

// Observations returns a copy of all boards in acquisition order
func (s *SampleStore) Observations() []Observation {
	out := make([]Observation, len(s.boards))
	for i, b := range s.boards {
		out[i] = b.Clone()
	}
	return out
}

// Append stores a copy of obs and returns the new size
func (s *SampleStore) Append(obs Observation) int {
	s.boards = append(s.boards, obs.Clone())
	return len(s.boards)
}

// Truncate drops every board from index n onwards
func (s *SampleStore) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.boards) {
		s.boards = s.boards[:n]
		s.recomputeError()
	}
}

// Clear drops all boards but keeps the intrinsic estimate
func (s *SampleStore) Clear() {
	s.boards = nil
	s.rms = 0
}

// Reset drops all boards and forgets the intrinsic estimate
func (s *SampleStore) Reset() {
	s.Clear()
	s.intrinsics = Intrinsics{Size: s.size}
	s.calibrated = false
}

// Calibrated reports whether intrinsics have been fitted or loaded at least once
func (s *SampleStore) Calibrated() bool { return s.calibrated }

// Intrinsics returns the current intrinsic estimate
func (s *SampleStore) Intrinsics() (Intrinsics, bool) {
	return s.intrinsics, s.calibrated
}

// SetIntrinsics installs intrinsics restored from a file
func (s *SampleStore) SetIntrinsics(in Intrinsics, rms float64) {
	in.Size = s.size
	s.intrinsics = in
	s.calibrated = true
	s.rms = rms
}

// Ready reports whether the reprojection error is defined
func (s *SampleStore) Ready() bool {
	return s.calibrated && len(s.boards) > 0
}

// ReprojectionError returns the aggregate RMS error; ok is false when not Ready
func (s *SampleStore) ReprojectionError() (float64, bool) {
	if !s.Ready() {
		return 0, false
	}
	return s.rms, true
}

// ApplyFit installs a refit result: new intrinsics plus a pose and error for every board
func (s *SampleStore) ApplyFit(fit Fit) error {
	if len(fit.Poses) != len(s.boards) || len(fit.Errors) != len(s.boards) {
		return fmt.Errorf("fit covers %d poses/%d errors for %d boards: %w",
			len(fit.Poses), len(fit.Errors), len(s.boards), ErrPointMismatch)
	}
	in := fit.Intrinsics
	in.Size = s.size
	s.intrinsics = in
	s.calibrated = true
	for i := range s.boards {
		s.boards[i].Pose = fit.Poses[i]
		s.boards[i].HasPose = true
		s.boards[i].Error = fit.Errors[i]
	}
	s.rms = fit.RMS
	return nil
}

// keep retains the boards whose index is marked true
func (s *SampleStore) keep(mask []bool) {
	kept := s.boards[:0]
	for i, b := range s.boards {
		if mask[i] {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(s.boards); i++ {
		s.boards[i] = Observation{}
	}
	s.boards = kept
	s.recomputeError()
}

// recomputeError rebuilds the aggregate RMS from the surviving per-board errors
func (s *SampleStore) recomputeError() {
	var sum float64
	var n int
	for _, b := range s.boards {
		count := len(b.ImagePoints)
		sum += b.Error * b.Error * float64(count)
		n += count
	}
	if n == 0 {
		s.rms = 0
		return
	}
	s.rms = math.Sqrt(sum / float64(n))
}
