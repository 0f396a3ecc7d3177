// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package config decodes rupdate's own JSON configuration file: the
// paths and offsets it needs to find the partition config blob and the
// update environment's two slots.
package config

import (
	"encoding/json"
	"os"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/rerr"
)

// DefaultPath is where rupdate looks for its configuration file if
// none is given on the command line.
const DefaultPath = "/etc/rupdate/rupdate.conf"

// Config is rupdate's own configuration file, distinct from the
// partition config blob (partcfg.Config) that lives on the device's
// reserved storage region.
type Config struct {
	// PartitionConfigPath is where the partcfg.Config blob lives.
	PartitionConfigPath string `json:"PartitionConfigPath"`

	// UpdateEnvDevice is the raw device or file the two UpdateState
	// slots live on.
	UpdateEnvDevice string `json:"UpdateEnvDevice"`
	// UpdateEnvSlot0Offset, UpdateEnvSlot1Offset are the two slots'
	// fixed byte offsets within UpdateEnvDevice.
	UpdateEnvSlot0Offset int64 `json:"UpdateEnvSlot0Offset"`
	UpdateEnvSlot1Offset int64 `json:"UpdateEnvSlot1Offset"`
	// UpdateEnvSlotSize bounds how many bytes are read back per slot.
	UpdateEnvSlotSize int64 `json:"UpdateEnvSlotSize"`

	// UpdateEnvHashAlgorithm names the checksum used to protect new
	// UpdateState writes: one of "sha256", "sha1", "md5", "crc32".
	UpdateEnvHashAlgorithm string `json:"UpdateEnvHashAlgorithm"`

	// DefaultBootRetries is used by "rupdate commit" when -r is not
	// given on the command line.
	DefaultBootRetries int16 `json:"DefaultBootRetries"`

	// StateCacheDir is where statecache keeps its LMDB file.
	StateCacheDir string `json:"StateCacheDir"`

	// LockPath is the advisory lock file path.
	LockPath string `json:"LockPath"`
}

// Default returns the built-in configuration that Load starts from;
// any field a config file leaves out keeps its value from here. Load
// itself still requires the config file to exist.
func Default() *Config {
	return &Config{
		UpdateEnvSlot0Offset:   0,
		UpdateEnvSlot1Offset:   4096,
		UpdateEnvSlotSize:      4096,
		UpdateEnvHashAlgorithm: "sha256",
		DefaultBootRetries:     3,
		StateCacheDir:          "/var/lib/rupdate",
		LockPath:               "/var/lock/rupdate",
	}
}

// Load reads and decodes a Config from path, falling back to
// Default's values for any zero field left unset in the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rerr.Wrapf(rerr.KindGeneric, err, "config: reading %s", path)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, rerr.Wrapf(rerr.KindGeneric, err, "config: parsing %s", path)
	}
	if cfg.PartitionConfigPath == "" {
		return nil, rerr.Wrapf(rerr.KindGeneric, rerr.ErrNotFound,
			"config: %s does not set PartitionConfigPath", path)
	}
	if cfg.UpdateEnvDevice == "" {
		return nil, rerr.Wrapf(rerr.KindGeneric, rerr.ErrNotFound,
			"config: %s does not set UpdateEnvDevice", path)
	}
	return cfg, nil
}

// HashAlgorithm resolves UpdateEnvHashAlgorithm to a checksum.Algorithm.
func (c *Config) HashAlgorithm() (checksum.Algorithm, error) {
	if algo, ok := checksum.ParseManifestField(c.UpdateEnvHashAlgorithm); ok {
		return algo, nil
	}
	return 0, rerr.Wrapf(rerr.KindGeneric, rerr.ErrMalformedEncoding,
		"config: unknown UpdateEnvHashAlgorithm %q", c.UpdateEnvHashAlgorithm)
}
