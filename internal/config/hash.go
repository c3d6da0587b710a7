package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint returns a short BLAKE3 digest of the file the config was loaded
// from, logged at startup so operators can tell which revision is running.
// An in-memory config (no SourcePath) has an empty fingerprint.
func (c *Config) Fingerprint() (string, error) {
	if c.SourcePath == "" {
		return "", nil
	}
	sum, err := ComputeBlake3Hash(c.SourcePath)
	if err != nil {
		return "", err
	}
	return sum[:16], nil
}
