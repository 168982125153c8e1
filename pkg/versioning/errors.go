package versioning

import "errors"

// Errors returned by Version and by capture listeners. Setup and capture errors
// wrap both the sentinel and the underlying cause.
var (
	ErrSetup            = errors.New("versioning setup failed")
	ErrCapture          = errors.New("version capture failed")
	ErrAlreadyVersioned = errors.New("entity already versioned")
	ErrInvalidOptions   = errors.New("invalid versioning options")
)
