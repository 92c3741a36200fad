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

package fwupdate

import (
	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpm12"
	"github.com/infineon/tpmfactoryupd/tpm20"
)

// TpmState is the one-shot summary of the chip's mode produced by the
// probe. It is read-only after Probe returns.
type TpmState struct {
	IsInfineon        bool
	IsUnsupportedChip bool
	IsBootLoader      bool

	Is12          bool
	Is12Owned     bool
	HasDeferredPP bool

	Is20                     bool
	Is20InFailureMode        bool
	Is20RestartRequired      bool
	PlatformAuthEmpty        bool
	PlatformHierarchyEnabled bool

	FirmwareVersion  string
	RemainingUpdates uint32
	KeyFingerprint   []byte
}

// Family returns the image-container family code of the running firmware.
func (s *TpmState) Family() uint8 {
	switch {
	case s.Is12:
		return tpm12.FamilyTPM12
	case s.Is20:
		return tpm12.FamilyTPM20
	default:
		return 0
	}
}

// Probe classifies the chip. Classification stops at the first match:
// foreign vendor, boot loader, 1.2, 2.0, otherwise unsupported. A
// transport failure is returned as an error; a recognizable chip always
// yields a state.
func (e *Engine) Probe() (*TpmState, error) {
	state := &TpmState{}

	// The vendor info request is answered by 1.2 chips and by the boot
	// loader. A 2.0 chip rejects the 1.2 ordinal with a chip error.
	info, err := tpm12.FieldUpgradeInfoRequest(e.t)
	switch {
	case err == nil:
		return e.classifyFrom12(info, state)
	case rc.IsChip(err):
		return e.classify20(state)
	default:
		return nil, err
	}
}

func (e *Engine) classifyFrom12(info *tpm12.FieldUpgradeInfo, state *TpmState) (*TpmState, error) {
	if !info.IsInfineon() {
		e.log.WithField("vendor", info.VendorID).Info("foreign TPM vendor detected")
		return state, nil
	}
	state.IsInfineon = true
	state.FirmwareVersion = info.VersionString()
	state.RemainingUpdates = uint32(info.RemainingUpdates)
	state.KeyFingerprint = append([]byte{}, info.KeyFingerprint...)

	if info.Stage == tpm12.StageBootLoader {
		state.IsBootLoader = true
		e.log.Info("TPM is in boot loader mode, a prior update was interrupted")
		return state, nil
	}
	if info.Family != tpm12.FamilyTPM12 {
		state.IsUnsupportedChip = true
		return state, nil
	}

	state.Is12 = true
	owned, err := tpm12.OwnerInstalled(e.t)
	if err != nil {
		return nil, err
	}
	state.Is12Owned = owned

	flags, err := tpm12.GetSTClearFlags(e.t)
	if err != nil {
		return nil, err
	}
	state.HasDeferredPP = flags.DeferredPhysicalPresence != 0

	e.log.WithFields(map[string]interface{}{
		"version":    state.FirmwareVersion,
		"owned":      state.Is12Owned,
		"deferredPP": state.HasDeferredPP,
	}).Debug("TPM1.2 detected")
	return state, nil
}

func (e *Engine) classify20(state *TpmState) (*TpmState, error) {
	// The chip may not have seen a startup yet. An INITIALIZE answer means
	// it already has; a FAILURE answer is classified below via the test
	// result, so every chip-returned code is tolerated here.
	if err := tpm20.Startup(e.t, tpm20.StartupClear); err != nil && !rc.IsChip(err) {
		return nil, err
	}

	prop, _, err := tpm20.GetCapability(e.t, tpm20.PTManufacturer, 1)
	if err != nil {
		if rc.IsChip(err) {
			state.IsUnsupportedChip = true
			return state, nil
		}
		return nil, err
	}
	if len(prop) == 0 || prop[0].Value != tpm20.ManufacturerIFX {
		e.log.Info("foreign TPM vendor detected")
		return state, nil
	}
	state.IsInfineon = true
	state.Is20 = true

	if _, testResult, err := tpm20.GetTestResult(e.t); err == nil && testResult != 0 {
		state.Is20InFailureMode = true
	} else if err != nil && !rc.IsChip(err) {
		return nil, err
	}

	if prop, _, err := tpm20.GetCapability(e.t, tpm20.PTStartupClear, 1); err == nil && len(prop) > 0 {
		state.PlatformHierarchyEnabled = prop[0].Value&tpm20.AttrPhEnable != 0
	} else if err != nil && !rc.IsChip(err) {
		return nil, err
	}

	info, err := tpm20.FieldUpgradeInfoVendor(e.t)
	if err != nil {
		if rc.IsChip(err) {
			state.IsUnsupportedChip = true
			return state, nil
		}
		return nil, err
	}
	state.FirmwareVersion = info.VersionString()
	state.RemainingUpdates = uint32(info.RemainingUpdates)
	state.KeyFingerprint = append([]byte{}, info.KeyFingerprint...)
	state.Is20RestartRequired = info.Flags&tpm12.FlagRestartRequired != 0
	state.PlatformAuthEmpty = info.Flags&tpm12.FlagPlatformAuthSet == 0
	if info.Flags&tpm12.FlagFailureMode != 0 {
		state.Is20InFailureMode = true
	}

	e.log.WithFields(map[string]interface{}{
		"version":          state.FirmwareVersion,
		"failureMode":      state.Is20InFailureMode,
		"restartRequired":  state.Is20RestartRequired,
		"remainingUpdates": state.RemainingUpdates,
	}).Debug("TPM2.0 detected")
	return state, nil
}
