package procam

import (
	"fmt"
	"strings"
	"time"
)

// State is the acquisition phase
type State int

const (
	StateCameraOnly State = iota
	StateStereoPhase1
	StateStereoPhase2
	StateARDemo
)

func (s State) String() string {
	switch s {
	case StateCameraOnly:
		return "camera-only"
	case StateStereoPhase1:
		return "stereo-phase1"
	case StateStereoPhase2:
		return "stereo-phase2"
	case StateARDemo:
		return "ar-demo"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets State appear by name in JSON status
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts any state name produced by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateCameraOnly, StateStereoPhase1, StateStereoPhase2, StateARDemo} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// ParseEntryState maps a mode name to one of the three states a reset can enter
func ParseEntryState(name string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "camera", "camera-only":
		return StateCameraOnly, nil
	case "stereo", "stereo-phase1", "projector":
		return StateStereoPhase1, nil
	case "ar", "ar-demo":
		return StateARDemo, nil
	}
	return StateCameraOnly, fmt.Errorf("unknown mode %q (want camera-only, stereo or ar)", name)
}

// Session is the whole mutable context of one acquisition run
type Session struct {
	State            State
	Manual           bool      // acquisition waits for capture pulses
	CapturePulse     bool      // pending one-shot capture (manual mode only)
	Dynamic          bool      // projector pattern follows the printed board
	DynamicInside    bool      // dynamic pattern is placed over the board instead of beside it
	DisplayAR        bool      // AR overlay is drawn in ARDemo
	NewBoardAcquired bool      // a stereo pair was accepted during the last step
	LastAccept       time.Time // zero until the first accepted board
}

// NewSession returns a freshly initialised session in the given state
func NewSession(state State) Session {
	return Session{State: state}
}

// GateOpen is the stillness test: a pending pulse in manual mode, otherwise
// enough time since the last accepted board and a quiet frame difference.
func (s Session) GateOpen(now time.Time, diffMean float64, cfg AcquisitionConfig) bool {
	if s.Manual {
		return s.CapturePulse
	}
	return now.Sub(s.LastAccept) > cfg.TimeThreshold && diffMean < cfg.DiffThreshold
}

// Event is everything a step observed about the current frame
type Event struct {
	Now              time.Time
	DiffMean         float64
	PrintedFound     bool // printed board detected and its pose solved
	ProjectedFound   bool // projected pattern detected on the board
	CameraSamples    int
	ProjectorSamples int
}

// Effect is a side effect the caller must carry out, in order
type Effect int

const (
	EffectAppendCamera Effect = iota + 1
	EffectRefitCamera
	EffectCleanCamera
	EffectSaveCamera
	EffectClearCamera
	EffectShowFixedPattern
	EffectShowPredictedPattern
	EffectAppendStereo
	EffectRefitProjector
	EffectCleanCoupled
	EffectFitStereo
	EffectSaveProjector
	EffectSaveExtrinsics
	EffectTrackBoard
	EffectConclude
	EffectResetCamera
	EffectResetProjector
	EffectDropExtrinsics
	EffectLoadCamera
	EffectLoadProjector
	EffectLoadExtrinsics
)

var effectNames = map[Effect]string{
	EffectAppendCamera:         "append-camera",
	EffectRefitCamera:          "refit-camera",
	EffectCleanCamera:          "clean-camera",
	EffectSaveCamera:           "save-camera",
	EffectClearCamera:          "clear-camera",
	EffectShowFixedPattern:     "show-fixed-pattern",
	EffectShowPredictedPattern: "show-predicted-pattern",
	EffectAppendStereo:         "append-stereo",
	EffectRefitProjector:       "refit-projector",
	EffectCleanCoupled:         "clean-coupled",
	EffectFitStereo:            "fit-stereo",
	EffectSaveProjector:        "save-projector",
	EffectSaveExtrinsics:       "save-extrinsics",
	EffectTrackBoard:           "track-board",
	EffectConclude:             "conclude",
	EffectResetCamera:          "reset-camera",
	EffectResetProjector:       "reset-projector",
	EffectDropExtrinsics:       "drop-extrinsics",
	EffectLoadCamera:           "load-camera",
	EffectLoadProjector:        "load-projector",
	EffectLoadExtrinsics:       "load-extrinsics",
}

func (e Effect) String() string {
	if name, ok := effectNames[e]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// ResolveDynamic applies the store-size rules to the dynamic-pattern flag:
// fixed while the projector has no boards, forced dynamic past the threshold.
func ResolveDynamic(dynamic bool, projectorSamples int, cfg AcquisitionConfig) bool {
	if projectorSamples == 0 {
		return false
	}
	if projectorSamples > cfg.StartDynamicProjectorPattern {
		return true
	}
	return dynamic
}

// Next is the per-frame transition. It is pure: the returned effects are
// carried out by the caller, and EffectConclude asks the caller to feed the
// post-effect store sizes to Conclude.
func Next(s Session, ev Event, cfg AcquisitionConfig) (Session, []Effect) {
	s.NewBoardAcquired = false

	switch s.State {
	case StateCameraOnly:
		if !s.GateOpen(ev.Now, ev.DiffMean, cfg) {
			return s, nil
		}
		s.CapturePulse = false
		if !ev.PrintedFound {
			return s, nil
		}
		s.LastAccept = ev.Now
		return s, []Effect{EffectAppendCamera, EffectRefitCamera, EffectCleanCamera, EffectConclude}

	case StateStereoPhase1:
		s.Dynamic = ResolveDynamic(s.Dynamic, ev.ProjectorSamples, cfg)
		if !s.Dynamic {
			s.State = StateStereoPhase2
			return s, []Effect{EffectShowFixedPattern}
		}
		if !ev.PrintedFound {
			return s, nil
		}
		s.State = StateStereoPhase2
		return s, []Effect{EffectShowPredictedPattern}

	case StateStereoPhase2:
		gate := s.GateOpen(ev.Now, ev.DiffMean, cfg)
		if gate {
			s.CapturePulse = false
		}
		if !gate || !ev.PrintedFound || !ev.ProjectedFound {
			s.State = StateStereoPhase1
			return s, nil
		}
		return s, []Effect{EffectAppendStereo, EffectRefitProjector, EffectCleanCoupled, EffectFitStereo, EffectConclude}

	case StateARDemo:
		if ev.PrintedFound {
			return s, []Effect{EffectTrackBoard}
		}
	}
	return s, nil
}

// Conclude is the termination check run after an accepting step's effects,
// given the store sizes those effects left behind.
func Conclude(s Session, now time.Time, cameraSamples, projectorSamples int, cfg AcquisitionConfig) (Session, []Effect) {
	switch s.State {
	case StateCameraOnly:
		if cameraSamples >= cfg.PreCalibrateCameraTimes {
			s.State = StateStereoPhase1
			return s, []Effect{EffectSaveCamera, EffectClearCamera}
		}
	case StateStereoPhase2:
		if projectorSamples > cfg.MinNumGoodBoards {
			s.State = StateARDemo
			return s, []Effect{EffectSaveProjector, EffectSaveExtrinsics}
		}
		s.State = StateStereoPhase1
		s.NewBoardAcquired = true
		s.LastAccept = now
	}
	return s, nil
}

// Apply folds pending operator commands into the session: the reset first,
// then the toggles, then the capture pulse.
func Apply(s Session, p Pending) (Session, []Effect) {
	var effects []Effect
	if p.Reset != nil {
		s = NewSession(*p.Reset)
		effects = resetEffects(*p.Reset)
	}
	if p.ToggleManual {
		s.Manual = !s.Manual
		if !s.Manual {
			s.CapturePulse = false
		}
	}
	if p.ToggleDynamic {
		s.Dynamic = !s.Dynamic
	}
	if p.ToggleInside {
		s.DynamicInside = !s.DynamicInside
	}
	if p.ToggleAR {
		s.DisplayAR = !s.DisplayAR
	}
	if p.Capture && s.Manual {
		s.CapturePulse = true
	}
	return s, effects
}

func resetEffects(state State) []Effect {
	switch state {
	case StateStereoPhase1:
		return []Effect{EffectLoadCamera, EffectResetProjector, EffectDropExtrinsics}
	case StateARDemo:
		return []Effect{EffectLoadCamera, EffectLoadProjector, EffectLoadExtrinsics}
	}
	return []Effect{EffectResetCamera, EffectResetProjector, EffectDropExtrinsics}
}
