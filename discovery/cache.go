package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"connecto/models"
)

// CacheFileName is the discovery cache file inside the data directory.
const CacheFileName = "devices.json"

// SaveCache writes devices as a JSON array so a later command can pair by
// index.
func SaveCache(path string, devices []models.DiscoveredDevice) error {
	if devices == nil {
		devices = []models.DiscoveredDevice{}
	}
	payload, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write device cache: %w", err)
	}
	return nil
}

// LoadCache reads a cache written by SaveCache.
func LoadCache(path string) ([]models.DiscoveredDevice, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device cache: %w", err)
	}
	var devices []models.DiscoveredDevice
	if err := json.Unmarshal(payload, &devices); err != nil {
		return nil, fmt.Errorf("decode device cache: %w", err)
	}
	return devices, nil
}
