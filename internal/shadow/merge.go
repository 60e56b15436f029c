package shadow

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// mergeDocument applies an RFC 7386 merge patch to the document body and
// returns the merged document carrying the given version. A null value removes
// a key, nested objects merge recursively, anything else replaces.
//
// The patch's own top-level "version" key, if present, is discarded: version
// movement is owned by the delta envelope, never by patch content.
func mergeDocument(current Document, patch json.RawMessage, version uint64) (Document, error) {
	fields, err := patchFields(patch)
	if err != nil {
		return Document{}, err
	}
	delete(fields, "version")

	cleaned, err := json.Marshal(fields)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}

	base := current.Clone()
	base.Version = 0
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return Document{}, fmt.Errorf("shadow: marshal current document: %w", err)
	}

	mergedJSON, err := jsonpatch.MergePatch(baseJSON, cleaned)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}

	var merged Document
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	merged.Version = version
	return merged, nil
}

// patchFields parses the patch and requires a JSON object at the top level.
// A scalar or array patch would replace the whole document under RFC 7386,
// which is never a valid shadow delta.
func patchFields(patch json.RawMessage) (map[string]json.RawMessage, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: empty patch", ErrMalformedDelta)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("%w: patch is not a JSON object: %v", ErrMalformedDelta, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: patch is null", ErrMalformedDelta)
	}
	return fields, nil
}
