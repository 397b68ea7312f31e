package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// hostname is swapped out by tests.
var hostname = os.Hostname

// defaultNodeName names the node after the host, or after the process when
// the host name cannot be read.
func defaultNodeName() string {
	name, err := hostname()
	if err != nil || name == "" {
		return fmt.Sprintf("ntbqp-%d", os.Getpid())
	}
	return name
}

// writeConfigFile writes a config template to path, creating its directory.
func writeConfigFile(path, content string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
