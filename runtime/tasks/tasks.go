package tasks

import (
	"fmt"

	"github.com/voltlab/cellbench/channelio"
)

// Priority orders tasks in the work queue. Higher values win; ties are
// broken by enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Kind discriminates the task variants.
type Kind int

const (
	KindConstantCurrent Kind = iota
	KindConstantVoltage
	KindCallback
	KindGenericControl
	KindFiltering
	KindFitting
)

func (k Kind) String() string {
	switch k {
	case KindConstantCurrent:
		return "constant_current"
	case KindConstantVoltage:
		return "constant_voltage"
	case KindCallback:
		return "callback"
	case KindGenericControl:
		return "generic_control"
	case KindFiltering:
		return "filtering"
	case KindFitting:
		return "fitting"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// defaultPriority returns the scheduling class a kind belongs to. Callback
// invocations pre-empt everything else so reactions never queue behind bulk
// data processing.
func (k Kind) defaultPriority() Priority {
	if k == KindCallback {
		return PriorityHigh
	}
	return PriorityNormal
}

// ControlOp is one step of a generic control sequence, a closure over the
// control port.
type ControlOp func(port channelio.ControlPort) error

// Task is the unit of executable work flowing through the queue. Exactly one
// variant's payload fields are meaningful, selected by Kind. Tasks are
// uniquely owned: by the queue until popped, then by the executing worker.
type Task struct {
	Kind     Kind
	Priority Priority
	Channel  uint32

	// ConstantCurrent / ConstantVoltage
	Current       float64
	TargetVoltage float64

	// Callback
	CallbackIndex uint64

	// GenericControl
	Ops []ControlOp

	// Filtering / Fitting
	Raw channelio.Snapshot
}

// NewConstantCurrent builds a control task driving the channel at a fixed
// current.
func NewConstantCurrent(channel uint32, amperes float64) *Task {
	return &Task{Kind: KindConstantCurrent, Priority: KindConstantCurrent.defaultPriority(), Channel: channel, Current: amperes}
}

// NewConstantVoltage builds a control task holding the channel at a fixed
// voltage.
func NewConstantVoltage(channel uint32, volts float64) *Task {
	return &Task{Kind: KindConstantVoltage, Priority: KindConstantVoltage.defaultPriority(), Channel: channel, TargetVoltage: volts}
}

// NewCallback builds the invocation task for a registered reaction. The
// callback is resolved through its stable index at execution time; if it has
// been unregistered by then the task is a no-op.
func NewCallback(channel uint32, index uint64) *Task {
	return &Task{Kind: KindCallback, Priority: KindCallback.defaultPriority(), Channel: channel, CallbackIndex: index}
}

// NewGenericControl builds a task executing ops in order, short-circuiting on
// the first failure.
func NewGenericControl(channel uint32, ops ...ControlOp) *Task {
	return &Task{Kind: KindGenericControl, Priority: KindGenericControl.defaultPriority(), Channel: channel, Ops: ops}
}

// NewFiltering builds a data task smoothing the raw snapshot.
func NewFiltering(channel uint32, raw channelio.Snapshot) *Task {
	return &Task{Kind: KindFiltering, Priority: KindFiltering.defaultPriority(), Channel: channel, Raw: raw}
}

// NewFitting builds a data task deriving dv/dt from the raw snapshot.
func NewFitting(channel uint32, raw channelio.Snapshot) *Task {
	return &Task{Kind: KindFitting, Priority: KindFitting.defaultPriority(), Channel: channel, Raw: raw}
}
