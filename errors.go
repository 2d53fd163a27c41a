package atlas

import "errors"

// Sentinel errors for the atlas package.
// Use errors.Is to check: errors.Is(err, atlas.ErrInvalidOptions)
var (
	ErrInvalidOptions = errors.New("atlas: invalid options")
	ErrRankExceeded   = errors.New("atlas: subspace rank exceeds trained rank")
	ErrNotSPD         = errors.New("atlas: matrix not symmetric positive definite")
	ErrCheckpoint     = errors.New("atlas: malformed checkpoint")
	ErrNotFound       = errors.New("atlas: key not found in storage")
)
