package config

import (
	"fmt"
	"strings"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	switch c.Store.Backend {
	case "sqlite", "bolt":
	case "memory":
		if c.Store.Path != "" {
			errs = append(errs, ValidationError{"store.path", "memory backend takes no path"})
		}
	default:
		errs = append(errs, ValidationError{"store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend)})
	}

	if c.PreKeys.BatchSize < 1 || c.PreKeys.BatchSize > maxBatchSize {
		errs = append(errs, ValidationError{
			Field:   "pre_keys.batch_size",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", maxBatchSize, c.PreKeys.BatchSize),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
