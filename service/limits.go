package service

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/channelio"
)

// StepLimit terminates a running test once the named measurement reaches the
// threshold.
type StepLimit struct {
	Variable  string
	Threshold float64
}

func (l StepLimit) met(snapshot channelio.Snapshot) bool {
	v, ok := snapshot[l.Variable]
	return ok && v >= l.Threshold
}

// TerminalAction selects how a finished test parks the channel.
type TerminalAction int

const (
	// ActionRest opens the circuit.
	ActionRest TerminalAction = iota
	// ActionOff powers the channel down.
	ActionOff
)

func (a TerminalAction) String() string {
	if a == ActionOff {
		return "off"
	}
	return "rest"
}

// condition is a compiled boolean expression over a channel snapshot,
// e.g. "voltage >= 4.2 && temperature < 45".
type condition struct {
	src  string
	prog *vm.Program
}

func compileCondition(src string) (*condition, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("condition must not be empty")
	}
	prog, err := expr.Compile(trimmed, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", trimmed, err)
	}
	return &condition{src: trimmed, prog: prog}, nil
}

// met evaluates the condition against the snapshot. A missing measurement or
// evaluation failure reads as false; it never panics the worker.
func (c *condition) met(snapshot channelio.Snapshot, logger zerolog.Logger) bool {
	env := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		env[k] = v
	}
	out, err := expr.Run(c.prog, env)
	if err != nil {
		logger.Debug().Err(err).Str("condition", c.src).Msg("condition not evaluable yet")
		return false
	}
	met, ok := out.(bool)
	return ok && met
}
