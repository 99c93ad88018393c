package storage

import "errors"

// ErrPositionNotFound is returned when the requested position ID is not among
// the open positions.
var ErrPositionNotFound = errors.New("position not found")

// ErrORBNotFound is returned when no opening range was captured for the
// requested symbol and trading date.
var ErrORBNotFound = errors.New("opening range not found")
