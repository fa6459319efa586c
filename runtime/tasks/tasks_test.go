package tasks

import (
	"errors"
	"testing"

	"github.com/voltlab/cellbench/channelio"
)

func TestCallbackTasksOutrankEverythingElse(t *testing.T) {
	cb := NewCallback(0, 4)
	if cb.Priority != PriorityHigh {
		t.Fatalf("callback tasks must be high priority, got %s", cb.Priority)
	}
	for _, task := range []*Task{
		NewConstantCurrent(0, 1),
		NewConstantVoltage(0, 4.2),
		NewGenericControl(0),
		NewFiltering(0, nil),
		NewFitting(0, nil),
	} {
		if task.Priority >= cb.Priority {
			t.Fatalf("%s tasks must rank below callbacks, got %s", task.Kind, task.Priority)
		}
	}
}

func TestConstructorsCarryPayload(t *testing.T) {
	cc := NewConstantCurrent(3, 2.5)
	if cc.Kind != KindConstantCurrent || cc.Channel != 3 || cc.Current != 2.5 {
		t.Fatalf("unexpected constant current task %+v", cc)
	}
	cv := NewConstantVoltage(3, 4.2)
	if cv.Kind != KindConstantVoltage || cv.TargetVoltage != 4.2 {
		t.Fatalf("unexpected constant voltage task %+v", cv)
	}
	cb := NewCallback(1, 9)
	if cb.Kind != KindCallback || cb.CallbackIndex != 9 {
		t.Fatalf("unexpected callback task %+v", cb)
	}
	raw := channelio.Snapshot{"voltage": 3.7}
	if f := NewFiltering(2, raw); f.Raw["voltage"] != 3.7 {
		t.Fatalf("unexpected filtering task %+v", f)
	}
}

func TestGenericControlKeepsOpOrder(t *testing.T) {
	var order []int
	fail := errors.New("stop")
	task := NewGenericControl(0,
		func(channelio.ControlPort) error { order = append(order, 1); return nil },
		func(channelio.ControlPort) error { order = append(order, 2); return fail },
		func(channelio.ControlPort) error { order = append(order, 3); return nil },
	)
	if len(task.Ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(task.Ops))
	}
	for i, op := range task.Ops {
		if err := op(nil); err != nil {
			if i != 1 {
				t.Fatalf("unexpected failure at op %d", i)
			}
			break
		}
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected op order %v", order)
	}
}

func TestKindAndPriorityStrings(t *testing.T) {
	cases := map[string]string{
		KindConstantCurrent.String(): "constant_current",
		KindConstantVoltage.String(): "constant_voltage",
		KindCallback.String():        "callback",
		KindGenericControl.String():  "generic_control",
		KindFiltering.String():       "filtering",
		KindFitting.String():         "fitting",
		PriorityLow.String():         "low",
		PriorityNormal.String():      "normal",
		PriorityHigh.String():        "high",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
