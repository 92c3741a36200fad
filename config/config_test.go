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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/rc"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.cfg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const fullUpdateConfig = `[UpdateType]
tpm12 = tpm12-PP
tpm20 = tpm20-emptyplatformauth

[TargetFirmware]
version_SLB966x = 4.43.257.0
version_SLB9670 = 7.85.4555.0

[FirmwareFolder]
path = firmware/
`

func TestParseUpdateConfig(t *testing.T) {
	bag := props.New()
	err := ParseUpdateConfig(writeConfig(t, fullUpdateConfig), bag)
	require.NoError(t, err)

	v, ok := bag.GetUint(props.ConfigUpdateType12)
	assert.True(t, ok)
	assert.Equal(t, props.UpdateTpm12PP, v)

	v, ok = bag.GetUint(props.ConfigUpdateType20)
	assert.True(t, ok)
	assert.Equal(t, props.UpdateTpm20EmptyPlatformAuth, v)

	s, ok := bag.GetString(props.ConfigTargetVersionSPI)
	assert.True(t, ok)
	assert.Equal(t, "7.85.4555.0", s)

	s, ok = bag.GetString(props.ConfigFirmwareFolder)
	assert.True(t, ok)
	assert.Equal(t, "firmware/", s)
}

func TestParseUpdateConfigMissingMandatoryKey(t *testing.T) {
	// FirmwareFolder section is absent.
	content := `[UpdateType]
tpm12 = tpm12-takeownership
tpm20 = tpm20-emptyplatformauth

[TargetFirmware]
version_SLB966x = 4.43.257.0
version_SLB9670 = 7.85.4555.0
`
	bag := props.New()
	err := ParseUpdateConfig(writeConfig(t, content), bag)
	assert.Equal(t, rc.InvalidSetting, rc.CodeOf(err))
}

func TestParseUpdateConfigInvalidValue(t *testing.T) {
	content := `[UpdateType]
tpm12 = tpm12-something-else
`
	bag := props.New()
	err := ParseUpdateConfig(writeConfig(t, content), bag)
	assert.Equal(t, rc.InvalidSetting, rc.CodeOf(err))
}

func TestParseUpdateConfigUnknownSectionsIgnored(t *testing.T) {
	content := fullUpdateConfig + `
[SomethingNew]
key = value
`
	bag := props.New()
	assert.NoError(t, ParseUpdateConfig(writeConfig(t, content), bag))
}

// A key name valid in one section must not be picked up from another
// section; dispatch is exclusive.
func TestSectionDispatchIsExclusive(t *testing.T) {
	content := `[UpdateType]
tpm12 = tpm12-PP
tpm20 = tpm20-emptyplatformauth

[TargetFirmware]
version_SLB966x = 4.43.257.0
version_SLB9670 = 7.85.4555.0
tpm12 = tpm12-takeownership

[FirmwareFolder]
path = .
`
	bag := props.New()
	require.NoError(t, ParseUpdateConfig(writeConfig(t, content), bag))
	v, _ := bag.GetUint(props.ConfigUpdateType12)
	assert.Equal(t, props.UpdateTpm12PP, v)
}

func TestParseUpdateConfigMissingFile(t *testing.T) {
	bag := props.New()
	err := ParseUpdateConfig(filepath.Join(t.TempDir(), "absent.cfg"), bag)
	assert.Equal(t, rc.InvalidConfigOption, rc.CodeOf(err))
}

func TestParseToolSettings(t *testing.T) {
	content := `[LOGGING]
LEVEL = 4
PATH = ./TPMFactoryUpd.log
MAXSIZE = 1024

[ACCESS_MODE]
LOCALITY = 0

[TPM_DEVICE_ACCESS]
MODE = 3
`
	bag := props.New()
	require.NoError(t, ParseToolSettings(writeConfig(t, content), bag))

	lvl, ok := bag.GetUint(props.LoggingLevel)
	assert.True(t, ok)
	assert.Equal(t, uint32(4), lvl)
	mode, ok := bag.GetUint(props.TpmDeviceAccessMode)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), mode)
}

func TestParseToolSettingsRejectsBadMode(t *testing.T) {
	content := `[TPM_DEVICE_ACCESS]
MODE = 7
`
	bag := props.New()
	err := ParseToolSettings(writeConfig(t, content), bag)
	assert.Equal(t, rc.InvalidSetting, rc.CodeOf(err))
}
