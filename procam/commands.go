package procam

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by ParseCommand for unrecognised names
var ErrUnknownCommand = errors.New("unknown command")

// Command is an operator request
type Command string

const (
	CmdResetCamera   Command = "reset-camera"
	CmdResetStereo   Command = "reset-stereo"
	CmdResetAR       Command = "reset-ar"
	CmdToggleManual  Command = "toggle-manual"
	CmdCapture       Command = "capture"
	CmdToggleDynamic Command = "toggle-dynamic"
	CmdToggleInside  Command = "toggle-inside"
	CmdToggleAR      Command = "toggle-ar"
)

// AllCommands lists every command in a stable order
var AllCommands = []Command{
	CmdResetCamera, CmdResetStereo, CmdResetAR,
	CmdToggleManual, CmdCapture,
	CmdToggleDynamic, CmdToggleInside, CmdToggleAR,
}

// ParseCommand accepts a command name, case and surrounding space insensitive
func ParseCommand(name string) (Command, error) {
	n := Command(strings.ToLower(strings.TrimSpace(name)))
	for _, c := range AllCommands {
		if c == n {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// CommandForKey maps a projector-window key code to a command
func CommandForKey(key int) (Command, bool) {
	switch key {
	case '1':
		return CmdResetCamera, true
	case '2':
		return CmdResetStereo, true
	case '3':
		return CmdResetAR, true
	case ' ':
		return CmdToggleManual, true
	case 'c':
		return CmdCapture, true
	case 'p':
		return CmdToggleDynamic, true
	case 'o':
		return CmdToggleInside, true
	case 13, 10:
		return CmdToggleAR, true
	}
	return "", false
}

// Pending is the set of commands written since the last step
type Pending struct {
	Reset         *State
	ToggleManual  bool
	Capture       bool
	ToggleDynamic bool
	ToggleInside  bool
	ToggleAR      bool
}

// Empty reports whether nothing is pending
func (p Pending) Empty() bool {
	return p == Pending{}
}

// Controls collects operator commands from any goroutine. Each command is a
// flag write; repeated writes before the next step collapse into one.
type Controls struct {
	mu      sync.Mutex
	pending Pending
}

// NewControls returns an empty command mailbox
func NewControls() *Controls {
	return &Controls{}
}

// Issue records a command for the next step
func (c *Controls) Issue(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd {
	case CmdResetCamera:
		c.setReset(StateCameraOnly)
	case CmdResetStereo:
		c.setReset(StateStereoPhase1)
	case CmdResetAR:
		c.setReset(StateARDemo)
	case CmdToggleManual:
		c.pending.ToggleManual = true
	case CmdCapture:
		c.pending.Capture = true
	case CmdToggleDynamic:
		c.pending.ToggleDynamic = true
	case CmdToggleInside:
		c.pending.ToggleInside = true
	case CmdToggleAR:
		c.pending.ToggleAR = true
	}
}

func (c *Controls) setReset(s State) {
	c.pending.Reset = &s
}

// Take returns the pending commands and clears them
func (c *Controls) Take() Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = Pending{}
	return p
}
