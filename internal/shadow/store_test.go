package shadow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kestrel-iot/shadowd/internal/testutil/testlog"
)

func deltaOf(t *testing.T, version uint64, patch string) Delta {
	t.Helper()
	return Delta{Version: version, Patch: json.RawMessage(patch), ClientToken: "tok-1"}
}

func TestApplyDeltaAccepted(t *testing.T) {
	testlog.Start(t)
	store := NewStore()

	doc, err := store.ApplyDelta(deltaOf(t, 1,
		`{"entities":{"opcua-simulator":{"image":"registry.local/opcua-sim:1.2"}}}`))
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if doc.Version != 1 {
		t.Fatalf("unexpected version=%d", doc.Version)
	}
	spec, ok := doc.Entities["opcua-simulator"]
	if !ok {
		t.Fatalf("entity missing after merge: %+v", doc.Entities)
	}
	if spec.Image != "registry.local/opcua-sim:1.2" {
		t.Fatalf("unexpected image=%q", spec.Image)
	}
	if store.Version() != 1 {
		t.Fatalf("store version=%d", store.Version())
	}
}

func TestApplyDeltaVersionConflict(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	if _, err := store.ApplyDelta(deltaOf(t, 5,
		`{"entities":{"ml-service":{"image":"registry.local/ml-service:0.9"}}}`)); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	_, err := store.ApplyDelta(deltaOf(t, 5,
		`{"entities":{"ml-service":{"image":"registry.local/ml-service:1.0"}}}`))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	_, err = store.ApplyDelta(deltaOf(t, 4, `{"entities":{}}`))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for older version, got %v", err)
	}

	doc := store.Desired()
	if doc.Version != 5 {
		t.Fatalf("version moved on rejection: %d", doc.Version)
	}
	if doc.Entities["ml-service"].Image != "registry.local/ml-service:0.9" {
		t.Fatalf("document mutated on rejection: %+v", doc.Entities["ml-service"])
	}
}

func TestApplyDeltaIdempotentRejection(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	delta := deltaOf(t, 3, `{"entities":{"nodered":{"image":"nodered/node-red:3.1"}}}`)
	if _, err := store.ApplyDelta(delta); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before := store.Desired()

	if _, err := store.ApplyDelta(delta); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate apply: expected ErrVersionConflict, got %v", err)
	}

	after := store.Desired()
	if after.Version != before.Version {
		t.Fatalf("version changed on duplicate: %d != %d", after.Version, before.Version)
	}
	if string(after.Entities["nodered"].Canonical()) != string(before.Entities["nodered"].Canonical()) {
		t.Fatalf("spec changed on duplicate apply")
	}
}

func TestApplyDeltaMalformed(t *testing.T) {
	testlog.Start(t)
	store := NewStore()

	cases := []struct {
		name  string
		patch string
	}{
		{"not json", `{"entities":`},
		{"scalar patch", `42`},
		{"array patch", `["entities"]`},
		{"null patch", `null`},
		{"entity without image", `{"entities":{"canbus-simulator":{"env":{"RATE":"10"}}}}`},
		{"unknown kind", `{"entities":{"max31855":{"kind":"thermocouple","image":"r/x:1"}}}`},
		{"unknown dependency", `{"entities":{"ml-service":{"image":"r/ml:1","dependsOn":["influxdb"]}}}`},
		{"bad entity name", `{"entities":{"ML Service":{"image":"r/ml:1"}}}`},
	}
	for _, tc := range cases {
		if _, err := store.ApplyDelta(deltaOf(t, 1, tc.patch)); !errors.Is(err, ErrMalformedDelta) {
			t.Fatalf("%s: expected ErrMalformedDelta, got %v", tc.name, err)
		}
	}
	if store.Version() != 0 {
		t.Fatalf("version moved on malformed deltas: %d", store.Version())
	}
}

func TestApplyDeltaRemovesEntityWithNull(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	if _, err := store.ApplyDelta(deltaOf(t, 1,
		`{"entities":{"modbus-simulator":{"image":"r/modbus:2"},"nodered":{"image":"nodered/node-red:3.1"}}}`)); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	doc, err := store.ApplyDelta(deltaOf(t, 2, `{"entities":{"nodered":null}}`))
	if err != nil {
		t.Fatalf("removal delta: %v", err)
	}
	if _, ok := doc.Entities["nodered"]; ok {
		t.Fatalf("entity survived null removal: %+v", doc.Entities)
	}
	if _, ok := doc.Entities["modbus-simulator"]; !ok {
		t.Fatalf("unrelated entity removed: %+v", doc.Entities)
	}
}

func TestApplyDeltaDeepMergePreservesSiblings(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	if _, err := store.ApplyDelta(deltaOf(t, 1,
		`{"entities":{"ml-service":{"image":"r/ml:1","env":{"PORT":"8000","MODEL":"lstm"}}}}`)); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	doc, err := store.ApplyDelta(deltaOf(t, 2,
		`{"entities":{"ml-service":{"env":{"MODEL":"isolation-forest"}}}}`))
	if err != nil {
		t.Fatalf("merge delta: %v", err)
	}
	spec := doc.Entities["ml-service"]
	if spec.Image != "r/ml:1" {
		t.Fatalf("image lost in merge: %q", spec.Image)
	}
	if spec.Env["MODEL"] != "isolation-forest" || spec.Env["PORT"] != "8000" {
		t.Fatalf("env merge wrong: %+v", spec.Env)
	}
}

func TestApplyDeltaIgnoresPatchVersionKey(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	doc, err := store.ApplyDelta(deltaOf(t, 2,
		`{"version":99,"entities":{"nodered":{"image":"nodered/node-red:3.1"}}}`))
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if doc.Version != 2 {
		t.Fatalf("patch version leaked into document: %d", doc.Version)
	}
}

func TestAdoptVersionGate(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	if _, err := store.ApplyDelta(deltaOf(t, 4,
		`{"entities":{"nodered":{"image":"nodered/node-red:3.1"}}}`)); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	newer := Document{Version: 7, Entities: map[string]EntitySpec{
		"ml-service": {Image: "r/ml:2"},
	}}
	changed, err := store.Adopt(newer)
	if err != nil || !changed {
		t.Fatalf("adopt newer: changed=%v err=%v", changed, err)
	}
	if store.Version() != 7 {
		t.Fatalf("version after adopt: %d", store.Version())
	}

	changed, err = store.Adopt(newer)
	if err != nil || changed {
		t.Fatalf("adopt equal version should be a no-op: changed=%v err=%v", changed, err)
	}

	stale := Document{Version: 3, Entities: map[string]EntitySpec{}}
	if _, err := store.Adopt(stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("adopt stale: expected ErrVersionConflict, got %v", err)
	}
}

func TestBootstrap(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	doc := Document{Version: 12, Entities: map[string]EntitySpec{
		"opcua-simulator": {Image: "r/opcua:1"},
	}}
	if err := store.Bootstrap(doc); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if store.Version() != 12 {
		t.Fatalf("bootstrap version: %d", store.Version())
	}

	if err := store.Bootstrap(doc); err == nil {
		t.Fatalf("second bootstrap should fail")
	}

	bad := Document{Version: 1, Entities: map[string]EntitySpec{"x": {}}}
	if err := NewStore().Bootstrap(bad); !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("bootstrap invalid doc: expected ErrMalformedDelta, got %v", err)
	}
}

func TestDesiredReturnsCopy(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	if _, err := store.ApplyDelta(deltaOf(t, 1,
		`{"entities":{"nodered":{"image":"nodered/node-red:3.1","env":{"TZ":"UTC"}}}}`)); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	doc := store.Desired()
	doc.Entities["nodered"].Env["TZ"] = "CET"
	delete(doc.Entities, "nodered")

	fresh := store.Desired()
	if fresh.Entities["nodered"].Env["TZ"] != "UTC" {
		t.Fatalf("store document aliased by caller copy")
	}
}
