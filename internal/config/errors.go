package config

import "errors"

var (
	// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
	ErrUnknownConfigField = errors.New("unknown config field")
	// ErrNoConfigFile is returned when a change must be persisted but no file is configured.
	ErrNoConfigFile = errors.New("no config file")
)
