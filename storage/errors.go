package storage

import "github.com/ruteri/cvmctl/interfaces"

// Aliases kept local so backends read naturally.
var (
	ErrContentNotFound    = interfaces.ErrContentNotFound
	ErrBackendUnavailable = interfaces.ErrBackendUnavailable
)
