// Copyright 2025 RecallSync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package device holds the per-device identity and settings. A single
// Identity is constructed at process start and passed explicitly to every
// component that needs it; there is no module-level current-device state.
package device

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Identity identifies this device and its owner to the authoritative store.
type Identity struct {
	DeviceID string `yaml:"device_id"`
	OwnerID  string `yaml:"owner_id"`
	Name     string `yaml:"name"` // human-readable device label
}

// LoadIdentity reads the device identity from {config_dir}/device.yaml,
// generating and persisting a fresh one on first run.
func LoadIdentity() (*Identity, error) {
	data, err := os.ReadFile(IdentityPath())
	if err != nil {
		if os.IsNotExist(err) {
			return newIdentity()
		}
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse device identity: %w", err)
	}
	if id.DeviceID == "" {
		return newIdentity()
	}
	return &id, nil
}

func newIdentity() (*Identity, error) {
	hostname, _ := os.Hostname()
	id := &Identity{
		DeviceID: uuid.NewString(),
		Name:     hostname,
	}
	if err := SaveIdentity(id); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveIdentity persists the device identity to {config_dir}/device.yaml.
func SaveIdentity(id *Identity) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(IdentityPath(), data, 0600)
}
