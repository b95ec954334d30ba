package artifact

import "errors"

var (
	// ErrChecksumMismatch is returned when uploaded bytes hash to something
	// other than the declared checksum.
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")

	// ErrNotFound is returned when a checksum has no backing file.
	ErrNotFound = errors.New("artifact not found")
)
