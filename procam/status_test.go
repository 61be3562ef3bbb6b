package procam

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTracker_UpdateAndRead(t *testing.T) {
	tracker := NewStatusTracker()
	assert.Equal(t, StateCameraOnly, tracker.Status().State)

	tracker.Update(Snapshot{
		Status:  Status{State: StateStereoPhase2, Frames: 7},
		Display: []Point2{{X: 1, Y: 2}},
	})
	assert.Equal(t, StateStereoPhase2, tracker.Status().State)
	assert.Equal(t, 7, tracker.Status().Frames)
	assert.Len(t, tracker.Snapshot().Display, 1)
}

func TestStatusTracker_Subscribe(t *testing.T) {
	tracker := NewStatusTracker()
	updates, cancel := tracker.Subscribe()
	assert.Equal(t, 1, tracker.SubscriberCount())

	tracker.Update(Snapshot{Status: Status{State: StateARDemo}})
	select {
	case st := <-updates:
		assert.Equal(t, StateARDemo, st.State)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, tracker.SubscriberCount())
	_, ok := <-updates
	assert.False(t, ok, "channel is closed on cancel")
}

func TestStatusTracker_SlowSubscriberDoesNotBlock(t *testing.T) {
	tracker := NewStatusTracker()
	_, cancel := tracker.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			tracker.Update(Snapshot{Status: Status{Frames: i}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update blocked on a full subscriber")
	}
	assert.Equal(t, 99, tracker.Status().Frames)
}

func TestStatus_JSON(t *testing.T) {
	rms := 0.21
	st := Status{
		State:  StateStereoPhase1,
		Camera: DeviceStatus{Device: DeviceCamera, Samples: 3, Calibrated: true, ReprojectionError: &rms},
	}
	data, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "stereo-phase1", decoded["state"])
	camera := decoded["camera"].(map[string]interface{})
	assert.Equal(t, 0.21, camera["reprojectionError"])
	assert.NotContains(t, decoded, "extrinsics")
	assert.NotContains(t, decoded, "lastAccept")
}
