package procam

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	for _, c := range AllCommands {
		got, err := ParseCommand(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	got, err := ParseCommand("  Toggle-AR\n")
	require.NoError(t, err)
	assert.Equal(t, CmdToggleAR, got)

	_, err = ParseCommand("self-destruct")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCommandForKey(t *testing.T) {
	tests := []struct {
		key  int
		want Command
		ok   bool
	}{
		{'1', CmdResetCamera, true},
		{'2', CmdResetStereo, true},
		{'3', CmdResetAR, true},
		{' ', CmdToggleManual, true},
		{'c', CmdCapture, true},
		{'p', CmdToggleDynamic, true},
		{'o', CmdToggleInside, true},
		{13, CmdToggleAR, true},
		{10, CmdToggleAR, true},
		{'x', "", false},
	}
	for _, tt := range tests {
		got, ok := CommandForKey(tt.key)
		assert.Equal(t, tt.ok, ok, "key %d", tt.key)
		assert.Equal(t, tt.want, got, "key %d", tt.key)
	}
}

// ---

func TestControls_TakeClears(t *testing.T) {
	c := NewControls()
	assert.True(t, c.Take().Empty())

	c.Issue(CmdCapture)
	c.Issue(CmdToggleDynamic)
	p := c.Take()
	assert.True(t, p.Capture)
	assert.True(t, p.ToggleDynamic)
	assert.False(t, p.ToggleManual)

	assert.True(t, c.Take().Empty(), "commands are delivered once")
}

func TestControls_RepeatedWritesCollapse(t *testing.T) {
	c := NewControls()
	c.Issue(CmdToggleManual)
	c.Issue(CmdToggleManual)
	c.Issue(CmdResetCamera)
	c.Issue(CmdResetAR)

	p := c.Take()
	assert.True(t, p.ToggleManual, "two toggles before a step are one toggle")
	require.NotNil(t, p.Reset)
	assert.Equal(t, StateARDemo, *p.Reset, "last reset wins")
}

func TestControls_ConcurrentIssue(t *testing.T) {
	c := NewControls()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Issue(AllCommands[i%len(AllCommands)])
		}(i)
	}
	wg.Wait()

	p := c.Take()
	assert.NotNil(t, p.Reset)
	assert.True(t, p.Capture)
	assert.True(t, p.ToggleAR)
}
