package shadow

import "errors"

var (
	ErrVersionConflict = errors.New("shadow: version conflict")
	ErrMalformedDelta  = errors.New("shadow: malformed delta")
)
