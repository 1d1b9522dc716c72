package cache

import "errors"

// ErrInvalidConfig is returned when a cache is constructed with a
// non-positive capacity.
var ErrInvalidConfig = errors.New("cache capacity must be positive")
