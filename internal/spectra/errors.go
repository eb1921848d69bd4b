package spectra

import "errors"

var (
	// ErrLengthMismatch is returned when arrays that must align do not.
	ErrLengthMismatch = errors.New("array length mismatch")
	// ErrPacked is returned when an operation needs unpacked spectra.
	ErrPacked = errors.New("spectrum is packed")
	// ErrNoStore is returned when packing without a shared-memory store.
	ErrNoStore = errors.New("no shared memory store")
)
