package customize

import (
	"fmt"
	"log/slog"
)

type state string

const (
	stateIdle          state = "idle"
	stateStaged        state = "staged"
	stateScriptRunning state = "script_running"
	stateInteractive   state = "interactive"
	stateDone          state = "done"
	stateFailed        state = "failed"
)

var transitions = map[state][]state{
	stateIdle:          {stateStaged, stateFailed},
	stateStaged:        {stateScriptRunning, stateInteractive, stateDone, stateFailed},
	stateScriptRunning: {stateStaged, stateFailed},
	stateInteractive:   {stateStaged, stateFailed},
}

// session enforces the customization order: scripts, then at most one
// interactive shell, then done. Any failure is terminal.
type session struct {
	current     state
	interactive bool
	logger      *slog.Logger
}

func newSession(logger *slog.Logger) *session {
	return &session{current: stateIdle, logger: logger}
}

func (s *session) transition(next state) error {
	allowed := false
	for _, candidate := range transitions[s.current] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid customization transition %s -> %s", s.current, next)
	}
	if next == stateScriptRunning && s.interactive {
		return fmt.Errorf("invalid customization transition %s -> %s: scripts cannot follow the interactive shell", s.current, next)
	}
	if next == stateInteractive {
		if s.interactive {
			return fmt.Errorf("invalid customization transition %s -> %s: interactive shell already used", s.current, next)
		}
		s.interactive = true
	}

	s.logger.Debug("customization state changed", "from", s.current, "to", next)
	s.current = next
	return nil
}

func (s *session) fail() {
	if s.current != stateDone && s.current != stateFailed {
		s.logger.Debug("customization state changed", "from", s.current, "to", stateFailed)
		s.current = stateFailed
	}
}
