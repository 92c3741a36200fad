// Copyright (c) 2017, Infineon Technologies AG All rights reserved.
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

// Package config maps INI settings files into the property bag. Section
// dispatch is exclusive: a key name is only ever interpreted within its
// own section. Unknown sections and keys are ignored.
package config

import (
	"os"
	"strconv"

	"github.com/mvo5/goconfigparser"
	"github.com/sirupsen/logrus"

	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/rc"
)

// Sections and keys of the tool settings file.
const (
	sectionLogging = "LOGGING"
	keyLogLevel    = "LEVEL"
	keyLogPath     = "PATH"
	keyLogMaxSize  = "MAXSIZE"

	sectionAccessMode = "ACCESS_MODE"
	keyLocality       = "LOCALITY"

	sectionDeviceAccess = "TPM_DEVICE_ACCESS"
	keyDeviceMode       = "MODE"
)

// Sections and keys of the update configuration file.
const (
	sectionUpdateType = "UpdateType"
	keyTpm12          = "tpm12"
	keyTpm20          = "tpm20"

	sectionTargetFirmware = "TargetFirmware"
	keyVersionLPC         = "version_SLB966x"
	keyVersionSPI         = "version_SLB9670"

	sectionFirmwareFolder = "FirmwareFolder"
	keyFolderPath         = "path"
)

// Update option literals shared with the command line.
const (
	OptionTpm12PP                = "tpm12-PP"
	OptionTpm12TakeOwnership     = "tpm12-takeownership"
	OptionTpm20EmptyPlatformAuth = "tpm20-emptyplatformauth"
)

var log = logrus.WithField("module", "config")

func load(path string) (*goconfigparser.ConfigParser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rc.Err(rc.InvalidConfigOption, "cannot read config file %s: %v", path, err)
	}
	cfg := goconfigparser.New()
	if err := cfg.ReadString(string(data)); err != nil {
		return nil, rc.Err(rc.InvalidConfigOption, "cannot parse config file %s: %v", path, err)
	}
	return cfg, nil
}

// ParseToolSettings reads the optional tool settings file. Every key is
// optional; present keys must carry valid values.
func ParseToolSettings(path string, bag *props.Bag) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}

	if v, err := cfg.Get(sectionLogging, keyLogLevel); err == nil {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return rc.Err(rc.InvalidSetting, "LOGGING/LEVEL %q is not a number", v)
		}
		bag.SetUint(props.LoggingLevel, uint32(n))
	}
	if v, err := cfg.Get(sectionLogging, keyLogPath); err == nil {
		bag.SetString(props.LoggingPath, v)
	}
	if v, err := cfg.Get(sectionLogging, keyLogMaxSize); err == nil {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return rc.Err(rc.InvalidSetting, "LOGGING/MAXSIZE %q is not a number", v)
		}
		bag.SetUint(props.LoggingMaxSize, uint32(n))
	}

	if v, err := cfg.Get(sectionAccessMode, keyLocality); err == nil {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil || n > 4 {
			return rc.Err(rc.InvalidSetting, "ACCESS_MODE/LOCALITY %q is not a locality", v)
		}
		bag.SetUint(props.Locality, uint32(n))
	}

	if v, err := cfg.Get(sectionDeviceAccess, keyDeviceMode); err == nil {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || (n != 1 && n != 3) {
			return rc.Err(rc.InvalidSetting, "TPM_DEVICE_ACCESS/MODE %q is not a supported mode", v)
		}
		bag.SetUint(props.TpmDeviceAccessMode, uint32(n))
	}
	return nil
}

// ParseUpdateConfig reads the -update config-file settings and stores the
// recognized values in the bag. The five mandatory keys of the UpdateType,
// TargetFirmware and FirmwareFolder sections must all be present.
func ParseUpdateConfig(path string, bag *props.Bag) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}

	if v, err := cfg.Get(sectionUpdateType, keyTpm12); err == nil {
		switch v {
		case OptionTpm12PP:
			bag.SetUint(props.ConfigUpdateType12, props.UpdateTpm12PP)
		case OptionTpm12TakeOwnership:
			bag.SetUint(props.ConfigUpdateType12, props.UpdateTpm12TakeOwnership)
		default:
			return rc.Err(rc.InvalidSetting, "UpdateType/tpm12 value %q is not supported", v)
		}
	}
	if v, err := cfg.Get(sectionUpdateType, keyTpm20); err == nil {
		switch v {
		case OptionTpm20EmptyPlatformAuth:
			bag.SetUint(props.ConfigUpdateType20, props.UpdateTpm20EmptyPlatformAuth)
		default:
			return rc.Err(rc.InvalidSetting, "UpdateType/tpm20 value %q is not supported", v)
		}
	}

	if v, err := cfg.Get(sectionTargetFirmware, keyVersionLPC); err == nil {
		bag.SetString(props.ConfigTargetVersionLPC, v)
	}
	if v, err := cfg.Get(sectionTargetFirmware, keyVersionSPI); err == nil {
		bag.SetString(props.ConfigTargetVersionSPI, v)
	}
	if v, err := cfg.Get(sectionFirmwareFolder, keyFolderPath); err == nil {
		bag.SetString(props.ConfigFirmwareFolder, v)
	}

	return finalize(bag)
}

// finalize enforces the mandatory keys of the update configuration.
func finalize(bag *props.Bag) error {
	mandatory := []string{
		props.ConfigUpdateType12,
		props.ConfigUpdateType20,
		props.ConfigTargetVersionLPC,
		props.ConfigTargetVersionSPI,
		props.ConfigFirmwareFolder,
	}
	for _, key := range mandatory {
		if !bag.Exists(key) {
			log.WithField("property", key).Error("mandatory update config setting missing")
			return rc.Err(rc.InvalidSetting, "update config file: %s is mandatory", key)
		}
	}
	return nil
}
