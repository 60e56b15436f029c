package reconcile

import (
	"bytes"
	"sort"

	"github.com/kestrel-iot/shadowd/internal/runtime"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

// Diff computes the plan that converges observed runtime state onto the
// desired document. Pure: no I/O, no mutation of inputs.
//
// Per entity: desired-only yields create, observed-only yields remove, and a
// canonical-spec mismatch yields stop+remove+create. Entities whose specs
// match byte-for-byte stay out of the plan, so a converged device computes an
// empty plan and short-circuits execution.
//
// Teardown steps run first, dependents before their dependencies; create
// steps follow, dependencies before dependents. Ties break by ascending
// entity name.
func Diff(observed []runtime.ObservedEntity, desired shadow.Document) Plan {
	byName := make(map[string]runtime.ObservedEntity, len(observed))
	for _, e := range observed {
		byName[e.Name] = e
	}

	var creates, recreates, removes []string
	for _, name := range desired.EntityNames() {
		spec := desired.Entities[name]
		obs, ok := byName[name]
		if !ok {
			creates = append(creates, name)
			continue
		}
		if !bytes.Equal(obs.Spec.Canonical(), spec.Canonical()) {
			recreates = append(recreates, name)
		}
	}
	observedNames := make([]string, 0, len(byName))
	for name := range byName {
		observedNames = append(observedNames, name)
	}
	sort.Strings(observedNames)
	for _, name := range observedNames {
		if _, ok := desired.Entities[name]; !ok {
			removes = append(removes, name)
		}
	}

	var plan Plan

	// Teardown respects the edges that exist in the runtime now.
	teardown := append(append([]string(nil), removes...), recreates...)
	observedDeps := func(name string) []string { return byName[name].Spec.DependsOn }
	for _, name := range reversed(orderByDependency(teardown, observedDeps)) {
		id := byName[name].RuntimeID
		plan.Steps = append(plan.Steps,
			Step{Action: ActionStop, Entity: name, RuntimeID: id},
			Step{Action: ActionRemove, Entity: name, RuntimeID: id},
		)
	}

	// Builds respect the edges the desired document declares.
	build := append(append([]string(nil), creates...), recreates...)
	desiredDeps := func(name string) []string { return desired.Entities[name].DependsOn }
	for _, name := range orderByDependency(build, desiredDeps) {
		plan.Steps = append(plan.Steps, Step{
			Action: ActionCreate,
			Entity: name,
			Spec:   desired.Entities[name].Clone(),
		})
	}
	return plan
}

// orderByDependency sorts names topologically, dependencies first, breaking
// ties by ascending name. Edges pointing outside the set are ignored. The
// document validator refuses cycles before a plan is ever computed; should
// one appear anyway, the stragglers append in name order rather than spin.
func orderByDependency(names []string, dependsOn func(string) []string) []string {
	inSet := make(map[string]bool, len(names))
	for _, n := range names {
		inSet[n] = true
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	out := make([]string, 0, len(sorted))
	placed := make(map[string]bool, len(sorted))
	for len(out) < len(sorted) {
		progressed := false
		for _, name := range sorted {
			if placed[name] {
				continue
			}
			ready := true
			for _, dep := range dependsOn(name) {
				if inSet[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				out = append(out, name)
				placed[name] = true
				progressed = true
			}
		}
		if !progressed {
			for _, name := range sorted {
				if !placed[name] {
					out = append(out, name)
					placed[name] = true
				}
			}
		}
	}
	return out
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}
