package config

import "errors"

var (
	// ErrInvalidConfig is returned when a loaded configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrConfigFile is returned when a configuration file cannot be read or parsed.
	ErrConfigFile = errors.New("config file")
)
