package reconcile

import (
	"testing"

	"github.com/kestrel-iot/shadowd/internal/runtime"
	"github.com/kestrel-iot/shadowd/internal/shadow"
	"github.com/kestrel-iot/shadowd/internal/testutil/testlog"
)

func specOf(image string, deps ...string) shadow.EntitySpec {
	return shadow.EntitySpec{Kind: shadow.KindContainer, Image: image, DependsOn: deps}
}

func observedOf(entries map[string]shadow.EntitySpec) []runtime.ObservedEntity {
	out := make([]runtime.ObservedEntity, 0, len(entries))
	i := 0
	for name, spec := range entries {
		i++
		out = append(out, runtime.ObservedEntity{
			RuntimeID: name + "-id",
			Name:      name,
			Spec:      spec,
			Status:    runtime.StatusRunning,
		})
	}
	return out
}

func planActions(t *testing.T, plan Plan) []string {
	t.Helper()
	out := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		out[i] = s.String()
	}
	return out
}

func assertPlan(t *testing.T, plan Plan, want ...string) {
	t.Helper()
	got := planActions(t, plan)
	if len(got) != len(want) {
		t.Fatalf("plan %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step[%d]=%s, want %s (plan %v)", i, got[i], want[i], got)
		}
	}
}

func TestDiffCreatesMissingEntity(t *testing.T) {
	testlog.Start(t)
	desired := shadow.Document{Version: 1, Entities: map[string]shadow.EntitySpec{
		"opcua-simulator": specOf("ghcr.io/kestrel/opcua-sim:1.2"),
	}}
	plan := Diff(nil, desired)
	assertPlan(t, plan, "create(opcua-simulator)")
	if plan.Steps[0].Spec.Image != "ghcr.io/kestrel/opcua-sim:1.2" {
		t.Fatalf("create step lost spec: %+v", plan.Steps[0].Spec)
	}
}

func TestDiffRecreatesChangedSpec(t *testing.T) {
	testlog.Start(t)
	observed := observedOf(map[string]shadow.EntitySpec{
		"ml-service": specOf("ghcr.io/kestrel/ml-service:1.0"),
	})
	desired := shadow.Document{Version: 2, Entities: map[string]shadow.EntitySpec{
		"ml-service": specOf("ghcr.io/kestrel/ml-service:2.0"),
	}}
	plan := Diff(observed, desired)
	assertPlan(t, plan, "stop(ml-service)", "remove(ml-service)", "create(ml-service)")
	if plan.Steps[0].RuntimeID != "ml-service-id" || plan.Steps[1].RuntimeID != "ml-service-id" {
		t.Fatalf("teardown steps lost runtime id: %+v", plan.Steps)
	}
	if plan.Steps[2].Spec.Image != "ghcr.io/kestrel/ml-service:2.0" {
		t.Fatalf("create step carries old spec: %+v", plan.Steps[2].Spec)
	}
}

func TestDiffRemovesUndesiredEntity(t *testing.T) {
	testlog.Start(t)
	observed := observedOf(map[string]shadow.EntitySpec{
		"nodered": specOf("nodered/node-red:3.1"),
	})
	plan := Diff(observed, shadow.Document{Version: 3})
	assertPlan(t, plan, "stop(nodered)", "remove(nodered)")
}

func TestDiffEmptyWhenConverged(t *testing.T) {
	testlog.Start(t)
	spec := specOf("ghcr.io/kestrel/canbus-sim:0.9")
	observed := observedOf(map[string]shadow.EntitySpec{"canbus-simulator": spec})
	desired := shadow.Document{Version: 4, Entities: map[string]shadow.EntitySpec{
		"canbus-simulator": spec,
	}}
	if plan := Diff(observed, desired); !plan.Empty() {
		t.Fatalf("expected empty plan, got %v", planActions(t, plan))
	}
}

func TestDiffTreatsDefaultKindAsEqual(t *testing.T) {
	testlog.Start(t)
	observed := observedOf(map[string]shadow.EntitySpec{
		"max31855": {Kind: shadow.KindContainer, Image: "ghcr.io/kestrel/max31855:1.1"},
	})
	desired := shadow.Document{Version: 5, Entities: map[string]shadow.EntitySpec{
		"max31855": {Image: "ghcr.io/kestrel/max31855:1.1"},
	}}
	if plan := Diff(observed, desired); !plan.Empty() {
		t.Fatalf("kind normalization should compare equal, got %v", planActions(t, plan))
	}
}

func TestDiffOrdersCreatesByDependency(t *testing.T) {
	testlog.Start(t)
	desired := shadow.Document{Version: 1, Entities: map[string]shadow.EntitySpec{
		// Alphabetically ml-service < opcua-simulator, but the dependency
		// edge must win.
		"ml-service":      specOf("ghcr.io/kestrel/ml-service:2.0", "opcua-simulator"),
		"opcua-simulator": specOf("ghcr.io/kestrel/opcua-sim:1.2"),
	}}
	plan := Diff(nil, desired)
	assertPlan(t, plan, "create(opcua-simulator)", "create(ml-service)")
}

func TestDiffOrdersRemovalsDependentsFirst(t *testing.T) {
	testlog.Start(t)
	observed := observedOf(map[string]shadow.EntitySpec{
		"edge-bus": specOf("ghcr.io/kestrel/edge-bus:1.0"),
		"nodered":  specOf("nodered/node-red:3.1", "edge-bus"),
	})
	plan := Diff(observed, shadow.Document{Version: 9})
	assertPlan(t, plan,
		"stop(nodered)", "remove(nodered)",
		"stop(edge-bus)", "remove(edge-bus)",
	)
}

func TestDiffBreaksTiesByName(t *testing.T) {
	testlog.Start(t)
	desired := shadow.Document{Version: 1, Entities: map[string]shadow.EntitySpec{
		"canbus-simulator": specOf("ghcr.io/kestrel/canbus-sim:0.9"),
		"modbus-simulator": specOf("ghcr.io/kestrel/modbus-sim:1.0"),
		"opcua-simulator":  specOf("ghcr.io/kestrel/opcua-sim:1.2"),
	}}
	plan := Diff(nil, desired)
	assertPlan(t, plan,
		"create(canbus-simulator)", "create(modbus-simulator)", "create(opcua-simulator)")
}

func TestDiffDeterministic(t *testing.T) {
	testlog.Start(t)
	observed := observedOf(map[string]shadow.EntitySpec{
		"nodered":    specOf("nodered/node-red:3.0"),
		"ml-service": specOf("ghcr.io/kestrel/ml-service:1.0"),
		"stale-sim":  specOf("ghcr.io/kestrel/old-sim:0.1"),
	})
	desired := shadow.Document{Version: 7, Entities: map[string]shadow.EntitySpec{
		"nodered":          specOf("nodered/node-red:3.1"),
		"ml-service":       specOf("ghcr.io/kestrel/ml-service:1.0"),
		"opcua-simulator":  specOf("ghcr.io/kestrel/opcua-sim:1.2"),
		"canbus-simulator": specOf("ghcr.io/kestrel/canbus-sim:0.9", "opcua-simulator"),
	}}

	first := planActions(t, Diff(observed, desired))
	for run := 0; run < 5; run++ {
		next := planActions(t, Diff(observed, desired))
		if len(next) != len(first) {
			t.Fatalf("run %d: plan %v, want %v", run, next, first)
		}
		for i := range first {
			if next[i] != first[i] {
				t.Fatalf("run %d: step[%d]=%s, want %s", run, i, next[i], first[i])
			}
		}
	}

	// Unchanged ml-service must stay out of the plan.
	for _, step := range first {
		if step == "create(ml-service)" || step == "stop(ml-service)" {
			t.Fatalf("converged entity planned: %v", first)
		}
	}
}
