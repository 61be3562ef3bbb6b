package procam

import (
	"sync"
	"time"
)

// DeviceStatus summarises one sample store
type DeviceStatus struct {
	Device            Device      `json:"device"`
	Samples           int         `json:"samples"`
	Calibrated        bool        `json:"calibrated"`
	ReprojectionError *float64    `json:"reprojectionError,omitempty"`
	Intrinsics        *Intrinsics `json:"intrinsics,omitempty"`
	FOVX              float64     `json:"fovX,omitempty"`
	FOVY              float64     `json:"fovY,omitempty"`
	Coverage          float64     `json:"coverage"`
}

// Status is the externally visible state of the acquisition loop
type Status struct {
	State            State        `json:"state"`
	Manual           bool         `json:"manual"`
	Dynamic          bool         `json:"dynamic"`
	DynamicInside    bool         `json:"dynamicInside"`
	DisplayAR        bool         `json:"displayAR"`
	NewBoardAcquired bool         `json:"newBoardAcquired"`
	BoardVisible     bool         `json:"boardVisible"`
	LastAccept       *time.Time   `json:"lastAccept,omitempty"`
	Camera           DeviceStatus `json:"camera"`
	Projector        DeviceStatus `json:"projector"`
	Extrinsics       *Extrinsics  `json:"extrinsics,omitempty"`
	Frames           int          `json:"frames"`
	Updated          time.Time    `json:"updated"`
}

// Snapshot is a Status plus copies of the data needed to draw reports
type Snapshot struct {
	Status          Status
	CameraBoards    []Observation
	ProjectorBoards []Observation
	Display         []Point2
}

// StatusTracker holds the latest snapshot for HTTP and WebSocket readers
type StatusTracker struct {
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers map[chan Status]struct{}
}

// NewStatusTracker creates an empty tracker
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		subscribers: make(map[chan Status]struct{}),
	}
}

// Update replaces the snapshot and notifies subscribers. Slow subscribers
// miss intermediate updates rather than blocking the acquisition loop.
func (st *StatusTracker) Update(snap Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.snapshot = snap
	for ch := range st.subscribers {
		select {
		case ch <- snap.Status:
		default:
		}
	}
}

// Status returns the latest status
func (st *StatusTracker) Status() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot.Status
}

// Snapshot returns the latest snapshot
func (st *StatusTracker) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot
}

// Subscribe returns a channel of status updates and a function that ends the subscription
func (st *StatusTracker) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 4)
	st.mu.Lock()
	st.subscribers[ch] = struct{}{}
	st.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.subscribers, ch)
			st.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscriptions
func (st *StatusTracker) SubscriberCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.subscribers)
}
