// Package config loads, defaults and validates the projectlog configuration.
// Values come from an optional YAML file and PLOG_* environment variables.
package config

import "errors"

// ErrConfiguration wraps every error returned while loading configuration.
var ErrConfiguration = errors.New("configuration error")
