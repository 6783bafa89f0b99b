package storage

import "errors"

// ErrNotFound indicates no value is stored under the requested key.
//
// Must be returned (possibly wrapped) by every [Store] implementation so
// callers can distinguish absence from failure.
var ErrNotFound = errors.New("key not found")
