package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const deviceFile = "device.json"

type deviceRecord struct {
	DeviceID string `json:"device_id"`
}

// DeviceID returns the identity of this installation, stored in
// dataDir/device.json. A new one is generated and persisted on first use.
func DeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var rec deviceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return "", fmt.Errorf("parse %s: %w", path, err)
		}
		if rec.DeviceID != "" {
			return rec.DeviceID, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", err
	}

	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if err := writeDevice(dataDir, id); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeDevice(dataDir, id string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(deviceRecord{DeviceID: id}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dataDir, "device-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dataDir, deviceFile))
}
