// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database string

	Listen string

	VaultService string
	VaultFileDir string

	BatchSize      int
	CleanupWorkers int

	SpamFolder    string
	SpamKeywords  []string
	SpamThreshold float64

	Loglevel *string
}

func ReadConfig(filename string) (*Config, error) {
	config := &Config{
		Database:       "warden.db",
		Listen:         "127.0.0.1:8321",
		VaultService:   "go-mail-warden",
		VaultFileDir:   "~/.config/go-mail-warden/vault",
		BatchSize:      100,
		CleanupWorkers: 4,
		SpamFolder:     "Spam",
		SpamThreshold:  0.5,
	}

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.Database, "Database name must not be empty, set to a filename for the sqlite database"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.Listen, "Listen must not be empty, set to host:port for the local api server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.SpamFolder, "SpamFolder must not be empty, set to the folder spam is moved into"); err != nil {
		return err
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", c.BatchSize)
	}

	if c.CleanupWorkers <= 0 {
		return fmt.Errorf("CleanupWorkers must be positive, got %d", c.CleanupWorkers)
	}

	if c.SpamThreshold <= 0 || c.SpamThreshold > 1 {
		return fmt.Errorf("SpamThreshold must be in (0,1], got %g", c.SpamThreshold)
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
