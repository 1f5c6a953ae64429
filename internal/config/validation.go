package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags and the relations between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Database.Driver == "sqlite" && c.Database.MaxOpenConns != 1 {
		return fmt.Errorf("database.max_open_conns must be 1 for sqlite, got %d", c.Database.MaxOpenConns)
	}

	return nil
}
