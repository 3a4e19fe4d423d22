package jobs

import "errors"

var (
	// ErrJobNotFound is returned for ids the registry does not hold.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrRegistryFull is returned by Create when only active jobs fill the index.
	ErrRegistryFull = errors.New("job registry is full")
)
