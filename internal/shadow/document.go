// Package shadow owns the device's versioned desired-state document.
//
// Ownership boundary:
// - document and entity spec shapes
// - merge-patch application
// - version-gated delta acceptance
//
// Shadow does not own observed runtime state.
package shadow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	KindContainer = "container"

	maxEntityNameLen = 63
)

// EntitySpec declares one workload the device should run.
type EntitySpec struct {
	Kind      string            `json:"kind,omitempty"`
	Image     string            `json:"image,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Ports     []string          `json:"ports,omitempty"`
	Volumes   []string          `json:"volumes,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Document is the cloud-declared target configuration for one device shadow.
type Document struct {
	Version  uint64                `json:"version"`
	Entities map[string]EntitySpec `json:"entities,omitempty"`
}

// Canonical returns the deterministic serialized form of a spec. Map keys are
// sorted by encoding/json, so byte equality of two canonical forms means the
// specs are interchangeable.
func (s EntitySpec) Canonical() []byte {
	normalized := s
	if strings.TrimSpace(normalized.Kind) == "" {
		normalized.Kind = KindContainer
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		// EntitySpec contains only marshalable field types.
		panic(fmt.Sprintf("shadow: canonical marshal: %v", err))
	}
	return out
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s EntitySpec) Clone() EntitySpec {
	out := s
	out.Command = append([]string(nil), s.Command...)
	out.Ports = append([]string(nil), s.Ports...)
	out.Volumes = append([]string(nil), s.Volumes...)
	out.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Labels != nil {
		out.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{Version: d.Version}
	if d.Entities != nil {
		out.Entities = make(map[string]EntitySpec, len(d.Entities))
		for name, spec := range d.Entities {
			out.Entities[name] = spec.Clone()
		}
	}
	return out
}

// EntityNames returns the document's entity names in ascending order.
func (d Document) EntityNames() []string {
	names := make([]string, 0, len(d.Entities))
	for name := range d.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the document is executable: entity names are well formed,
// kinds are known, container entities carry an image, and dependsOn edges
// resolve without cycles.
func (d Document) Validate() error {
	for _, name := range d.EntityNames() {
		spec := d.Entities[name]
		if err := validateEntityName(name); err != nil {
			return err
		}
		if err := validateEntitySpec(name, spec); err != nil {
			return err
		}
		for _, dep := range spec.DependsOn {
			if dep == name {
				return fmt.Errorf("%w: entity %q depends on itself", ErrMalformedDelta, name)
			}
			if _, ok := d.Entities[dep]; !ok {
				return fmt.Errorf("%w: entity %q depends on unknown entity %q", ErrMalformedDelta, name, dep)
			}
		}
	}
	if cycle := findDependencyCycle(d.Entities); len(cycle) > 0 {
		return fmt.Errorf("%w: dependency cycle %s", ErrMalformedDelta, strings.Join(cycle, " -> "))
	}
	return nil
}

func validateEntityName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty entity name", ErrMalformedDelta)
	}
	if len(name) > maxEntityNameLen {
		return fmt.Errorf("%w: entity name %q exceeds %d characters", ErrMalformedDelta, name, maxEntityNameLen)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
			if i == 0 || i == len(name)-1 {
				return fmt.Errorf("%w: entity name %q begins or ends with a separator", ErrMalformedDelta, name)
			}
		default:
			return fmt.Errorf("%w: entity name %q contains invalid character %q", ErrMalformedDelta, name, r)
		}
	}
	return nil
}

func validateEntitySpec(name string, spec EntitySpec) error {
	kind := strings.TrimSpace(spec.Kind)
	if kind == "" {
		kind = KindContainer
	}
	if kind != KindContainer {
		return fmt.Errorf("%w: entity %q has unknown kind %q", ErrMalformedDelta, name, spec.Kind)
	}
	if strings.TrimSpace(spec.Image) == "" {
		return fmt.Errorf("%w: entity %q missing image", ErrMalformedDelta, name)
	}
	return nil
}

// findDependencyCycle walks dependsOn edges and returns one cycle path when
// present, or nil. Deterministic: entities and edges are visited in name order.
func findDependencyCycle(entities map[string]EntitySpec) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(entities))
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	var cycle []string
	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		switch state[name] {
		case done:
			return false
		case visiting:
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			cycle = append(append([]string(nil), path[start:]...), name)
			return true
		}
		state[name] = visiting
		deps := append([]string(nil), entities[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := entities[dep]; !ok {
				continue
			}
			if visit(dep, append(path, name)) {
				return true
			}
		}
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited {
			if visit(name, nil) {
				return cycle
			}
		}
	}
	return nil
}
