package statestore

import "github.com/tidewave/statestore/internal/types"

// Errors returned by the store. Match them with errors.Is.
var (
	ErrBackendUnavailable = types.ErrBackendUnavailable
	ErrConflict           = types.ErrConflict
	ErrEpochTooOld        = types.ErrEpochTooOld
	ErrCorruption         = types.ErrCorruption
	ErrDurabilityFailure  = types.ErrDurabilityFailure
	ErrKeyNotFound        = types.ErrKeyNotFound
	ErrEpochExpired       = types.ErrEpochExpired
	ErrDuplicateTask      = types.ErrDuplicateTask
	ErrStaleTask          = types.ErrStaleTask
	ErrClosed             = types.ErrClosed
	ErrEpochNotIssued     = types.ErrEpochNotIssued
	ErrContextExpired     = types.ErrContextExpired
)
