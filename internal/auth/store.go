package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// keyFile is the on-disk shape of the API-key store.
type keyFile struct {
	AuthEnabled bool      `json:"authEnabled"`
	APIKeys     []*ApiKey `json:"apiKeys"`
}

// loadFile reads the key file. Returns false when the file does not exist.
func (m *Manager) loadFile() (bool, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read key file %s: %w", m.path, err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return false, fmt.Errorf("parse key file %s: %w", m.path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range kf.APIKeys {
		if key == nil || key.HashedKey == "" {
			continue
		}
		m.byHash[key.HashedKey] = key
		m.byID[key.ID] = key
	}
	return kf.AuthEnabled, nil
}

// Save writes the key table back to disk. Records are sorted by creation
// time so the file diffs cleanly.
func (m *Manager) Save() error {
	m.mu.RLock()
	kf := keyFile{AuthEnabled: m.enabled, APIKeys: make([]*ApiKey, 0, len(m.byID))}
	for _, key := range m.byID {
		copied := *key
		kf.APIKeys = append(kf.APIKeys, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(kf.APIKeys, func(i, j int) bool {
		if kf.APIKeys[i].CreatedAt.Equal(kf.APIKeys[j].CreatedAt) {
			return kf.APIKeys[i].ID < kf.APIKeys[j].ID
		}
		return kf.APIKeys[i].CreatedAt.Before(kf.APIKeys[j].CreatedAt)
	})

	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create key file directory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write key file %s: %w", m.path, err)
	}
	return nil
}

// EnableAuth flips enforcement on and persists the flag. Used by the keygen
// command when bootstrapping the first key.
func (m *Manager) EnableAuth() error {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	return m.Save()
}
