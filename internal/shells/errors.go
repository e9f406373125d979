package shells

import "errors"

var (
	ErrBadLayerCount  = errors.New("shells: layer count must be >= 1")
	ErrEmptySolution  = errors.New("shells: solution has no samples")
	ErrLengthMismatch = errors.New("shells: radii and values differ in length")
)
