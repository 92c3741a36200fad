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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infineon/tpmfactoryupd/config"
	"github.com/infineon/tpmfactoryupd/firmware"
	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpm12"
	"github.com/infineon/tpmfactoryupd/tpm20"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// Family strings used in the firmware image file naming convention.
const (
	familyString12 = "TPM12"
	familyString20 = "TPM20"
)

// Update runs the full update flow. The returned error is the envelope:
// non-nil means the flow itself could not execute. The result's
// ReturnCode carries the chip-side outcome and is only meaningful when
// the envelope is nil.
func (e *Engine) Update(req *UpdateRequest) (*UpdateResult, error) {
	res := &UpdateResult{Subtype: SubtypeIsUpdatable, NewFirmwareValid: TristateNA, ReturnCode: rc.Fail}

	state, err := e.Probe()
	if err != nil {
		return res, err
	}
	if !state.IsInfineon {
		res.fail(rc.Err(rc.NoIfxTpm))
		return res, nil
	}
	if state.IsUnsupportedChip {
		res.fail(rc.Err(rc.UnsupportedChip))
		return res, nil
	}

	if err := e.seedRequestProperties(req); err != nil {
		return res, err
	}

	updateViaConfigFile := false
	if req.UpdateType == props.UpdateConfigFile {
		via, ok, err := e.proceedUpdateConfig(state, res)
		if err != nil || !ok {
			return res, err
		}
		updateViaConfigFile = via
	}

	ok, err := e.checkUpdatable(state, res)
	if err != nil || !ok {
		return res, err
	}

	img, err := e.checkImage(state, res)
	if err != nil || img == nil {
		return res, err
	}

	res.Subtype = SubtypePrepare
	session, ok, err := e.prepareAuth(state, res)
	if err != nil || !ok {
		return res, err
	}

	res.Subtype = SubtypeUpdate
	if req.DryRun {
		e.dryRun()
		e.flushSession(session)
		res.ReturnCode = rc.Success
		return res, nil
	}

	err = e.transfer(state, img, session, updateViaConfigFile, req.IgnoreCompleteError)
	// The start command consumes the policy session, but a chip that
	// rejected it may still hold the handle; release it on every path.
	e.flushSession(session)
	if err != nil {
		res.fail(err)
		return res, nil
	}

	// The update completed; the chip is rebooting into the new firmware.
	// Remove the resume marker, tolerating a failed removal.
	e.removeRunData()
	res.ReturnCode = rc.Success
	return res, nil
}

// seedRequestProperties mirrors the request into the property bag, which
// the config-file flow rewrites when it selects the effective update type.
func (e *Engine) seedRequestProperties(req *UpdateRequest) error {
	e.bag.SetUint(props.UpdateType, req.UpdateType)
	if req.FirmwarePath != "" {
		e.bag.SetString(props.FirmwarePath, req.FirmwarePath)
	}
	if req.ConfigPath != "" {
		e.bag.SetString(props.ConfigFilePath, req.ConfigPath)
	}
	return nil
}

// proceedUpdateConfig implements the config-file driven image selection.
// In boot-loader mode the config's version logic is skipped entirely and
// the image recorded in the resume marker is reused. It reports whether a
// fresh (non-resume) config update was set up, and ok=false when the
// result already carries a short-circuit outcome such as AlreadyUpToDate.
func (e *Engine) proceedUpdateConfig(state *TpmState, res *UpdateResult) (via, ok bool, err error) {
	configPath, found := e.bag.GetString(props.ConfigFilePath)
	if !found {
		return false, false, rc.Err(rc.InvalidConfigOption, "no config file given")
	}
	if err := config.ParseUpdateConfig(configPath, e.bag); err != nil {
		res.fail(err)
		return false, false, nil
	}

	if state.IsBootLoader {
		imagePath, err := e.readRunData()
		if err != nil {
			res.fail(err)
			return false, false, nil
		}
		e.bag.SetString(props.FirmwarePath, imagePath)
		return false, true, nil
	}

	targetVersion, err := e.targetVersionForChip(state)
	if err != nil {
		res.fail(err)
		return false, false, nil
	}
	if targetVersion == state.FirmwareVersion {
		res.NewFirmwareValid = TristateNo
		res.fail(rc.Err(rc.AlreadyUpToDate))
		return false, false, nil
	}

	imagePath, err := e.composeImagePath(state, configPath, targetVersion)
	if err != nil {
		res.fail(err)
		return false, false, nil
	}
	if _, err := os.Stat(imagePath); err != nil {
		res.fail(rc.Err(rc.FirmwareUpdateNotFound, "no firmware image found to update the current TPM firmware (%s)", imagePath))
		return false, false, nil
	}
	res.UsedFirmwareImage = filepath.Base(imagePath)

	// The effective update type comes from the config section matching
	// the chip's family.
	key := props.ConfigUpdateType12
	if state.Is20 {
		key = props.ConfigUpdateType20
	}
	updateType, found := e.bag.GetUint(key)
	if !found {
		return false, false, rc.Err(rc.Fail, "config update type missing after parse")
	}
	e.bag.SetUint(props.UpdateType, updateType)
	e.bag.SetString(props.FirmwarePath, imagePath)
	return true, true, nil
}

// targetVersionForChip picks the LPC or SPI target version by the running
// firmware's version-name prefix.
func (e *Engine) targetVersionForChip(state *TpmState) (string, error) {
	switch {
	case strings.HasPrefix(state.FirmwareVersion, "6.") || strings.HasPrefix(state.FirmwareVersion, "7."):
		if v, ok := e.bag.GetString(props.ConfigTargetVersionSPI); ok {
			return v, nil
		}
	case strings.HasPrefix(state.FirmwareVersion, "4.") || strings.HasPrefix(state.FirmwareVersion, "5."):
		if v, ok := e.bag.GetString(props.ConfigTargetVersionLPC); ok {
			return v, nil
		}
	default:
		return "", rc.Err(rc.UnsupportedChip, "the detected TPM version (%s) is not supported", state.FirmwareVersion)
	}
	return "", rc.Err(rc.Fail, "target firmware version missing after parse")
}

// composeImagePath builds
// <config-dir>/<firmware-folder>/<src>_<cur>_to_<tgt>_<tgtVer>.BIN.
func (e *Engine) composeImagePath(state *TpmState, configPath, targetVersion string) (string, error) {
	var sourceFamily string
	switch {
	case state.Is12:
		sourceFamily = familyString12
	case state.Is20:
		sourceFamily = familyString20
	default:
		return "", rc.Err(rc.Fail, "no TPM family detected")
	}

	var targetFamily string
	switch {
	case strings.HasPrefix(targetVersion, "4.") || strings.HasPrefix(targetVersion, "6."):
		targetFamily = familyString12
	case strings.HasPrefix(targetVersion, "5.") || strings.HasPrefix(targetVersion, "7."):
		targetFamily = familyString20
	default:
		return "", rc.Err(rc.InvalidSetting, "the configured target firmware version (%s) is not supported", targetVersion)
	}

	folder, _ := e.bag.GetString(props.ConfigFirmwareFolder)
	dir := filepath.Dir(configPath)
	if folder != "" && folder != "." && folder != "./" {
		dir = filepath.Join(dir, folder)
	}
	name := fmt.Sprintf("%s_%s_to_%s_%s.BIN", sourceFamily, state.FirmwareVersion, targetFamily, targetVersion)
	return filepath.Join(dir, name), nil
}

// checkUpdatable applies the precondition gates of CHECK_UPDATABLE. In
// boot-loader mode the family gates do not apply; only the update counter
// is enforced.
func (e *Engine) checkUpdatable(state *TpmState, res *UpdateResult) (bool, error) {
	updateType, found := e.bag.GetUint(props.UpdateType)
	if !found {
		return false, rc.Err(rc.Fail, "update type property missing")
	}

	if state.Is12 {
		if updateType != props.UpdateTpm12PP && updateType != props.UpdateTpm12TakeOwnership {
			res.fail(rc.Err(rc.InvalidUpdateOption, "wrong update type for a TPM1.2"))
			return false, nil
		}
		if state.Is12Owned {
			res.fail(rc.Err(rc.Tpm12Owned))
			return false, nil
		}
	}
	if state.Is20 {
		if updateType != props.UpdateTpm20EmptyPlatformAuth {
			res.fail(rc.Err(rc.InvalidUpdateOption, "wrong update type for a TPM2.0"))
			return false, nil
		}
		if state.Is20RestartRequired {
			res.fail(rc.Err(rc.RestartRequired))
			return false, nil
		}
		if state.Is20InFailureMode {
			res.fail(rc.Err(rc.Tpm20FailureMode))
			return false, nil
		}
	}
	if state.RemainingUpdates == 0 {
		res.fail(rc.Err(rc.FwUpdateBlocked))
		return false, nil
	}
	return true, nil
}

// checkImage loads and validates the firmware image against the chip. A
// nil image with a nil error means the result already carries the
// failure.
func (e *Engine) checkImage(state *TpmState, res *UpdateResult) (*firmware.Image, error) {
	path, ok := e.bag.GetString(props.FirmwarePath)
	if !ok {
		res.fail(rc.Err(rc.InvalidFwOption, "no firmware image given"))
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		res.fail(rc.Err(rc.InvalidFwOption, "failed to load the firmware image (%s)", path))
		return nil, nil
	}

	img, err := firmware.Parse(data)
	if err != nil {
		res.NewFirmwareValid = TristateNo
		res.fail(err)
		return nil, nil
	}

	// The chip has no family in boot-loader mode; the family gate is
	// skipped on resume.
	if !state.IsBootLoader {
		if !img.AcceptsSourceFamily(state.Family()) {
			res.NewFirmwareValid = TristateNo
			res.fail(rc.Err(rc.WrongFwImage, "the firmware image is not valid for the detected TPM"))
			return nil, nil
		}
		if len(state.KeyFingerprint) > 0 && len(img.KeyFingerprints) > 0 && !img.MatchesKeyFingerprint(state.KeyFingerprint) {
			res.NewFirmwareValid = TristateNo
			res.fail(rc.Err(rc.WrongDecryptKeys))
			return nil, nil
		}
	}

	res.NewFirmwareValid = TristateYes
	res.TargetFamily = img.TargetFamily
	res.NewFirmwareVersion = img.TargetVersion
	if res.UsedFirmwareImage == "" {
		res.UsedFirmwareImage = filepath.Base(path)
	}
	return img, nil
}

// prepareAuth runs the authorization preparer matching the chip mode and
// update type. The returned session handle is non-zero only for the 2.0
// policy flow and must be flushed by the caller on every path.
func (e *Engine) prepareAuth(state *TpmState, res *UpdateResult) (tpmutil.Handle, bool, error) {
	if state.IsBootLoader {
		// The boot loader accepts data without further authorization.
		return 0, true, nil
	}
	if state.Is20 {
		session, err := e.prepareTpm20Policy()
		if err != nil {
			res.fail(err)
			return 0, false, nil
		}
		return session, true, nil
	}

	updateType, _ := e.bag.GetUint(props.UpdateType)
	switch updateType {
	case props.UpdateTpm12PP:
		if state.HasDeferredPP {
			// Already latched across the last reboot; nothing to prepare.
			return 0, true, nil
		}
		if err := e.prepareTpm12PP(); err != nil {
			res.fail(err)
			return 0, false, nil
		}
	case props.UpdateTpm12TakeOwnership:
		if err := e.prepareTpm12Ownership(); err != nil {
			res.fail(err)
			return 0, false, nil
		}
	default:
		return 0, false, rc.Err(rc.Fail, "unsupported update type %d in prepare", updateType)
	}
	return 0, true, nil
}

// dryRun emits the deterministic progress sequence without touching the
// chip.
func (e *Engine) dryRun() {
	for _, p := range []uint32{25, 50, 75, 100} {
		e.sleep(2 * time.Second)
		e.progress(p)
	}
}

// transfer streams the image: the start command consumes the first block
// as the manifest, every further block is sent and acknowledged in order,
// and the completion command commits. For a config-file-driven update the
// resume marker is written the moment the chip acknowledges the first data
// block.
func (e *Engine) transfer(state *TpmState, img *firmware.Image, session tpmutil.Handle, viaConfigFile, ignoreCompleteError bool) error {
	total := img.TotalPayloadBytes()
	sent := 0
	started := false

	blocks := img.Blocks
	if !state.IsBootLoader {
		manifest := blocks[0]
		blocks = blocks[1:]
		var err error
		switch {
		case state.Is20:
			err = tpm20.FieldUpgradeStartVendor(e.t, session, manifest)
		case e.updateType() == props.UpdateTpm12TakeOwnership:
			oiap, oerr := tpm12.OIAP(e.t)
			if oerr != nil {
				return oerr
			}
			err = tpm12.FieldUpgradeStartOwned(e.t, manifest, oiap, tpm12.AuthData(ownerAuthData))
		default:
			err = tpm12.FieldUpgradeStart(e.t, manifest)
		}
		if err != nil {
			return err
		}
		sent += len(manifest)
		e.progress(uint32(sent * 100 / total))
	}

	for _, block := range blocks {
		var err error
		if state.Is20 && !state.IsBootLoader {
			err = tpm20.FieldUpgradeData(e.t, block)
		} else {
			err = tpm12.FieldUpgradeUpdate(e.t, block)
		}
		if err != nil {
			// A timeout here may be a partially transferred block; the
			// resume marker stays so a later run can retry.
			return err
		}
		if !started {
			started = true
			if viaConfigFile {
				e.writeRunData()
			}
		}
		sent += len(block)
		e.progress(uint32(sent * 100 / total))
	}

	if err := e.complete(state); err != nil {
		raw, isChip := rc.ChipCode(err)
		if ignoreCompleteError && isChip && (raw == tpm12.ErrFail || raw == tpm20.RCFailure) {
			e.log.Warn("FieldUpgradeComplete reported TPM_FAIL, ignored on request")
			return nil
		}
		return err
	}
	return nil
}

// complete commits the transferred image.
func (e *Engine) complete(state *TpmState) error {
	if state.Is20 && !state.IsBootLoader {
		// The 2.0 vendor flow finalizes with an empty data block.
		return tpm20.FieldUpgradeData(e.t, nil)
	}
	return tpm12.FieldUpgradeComplete(e.t)
}

func (e *Engine) updateType() uint32 {
	t, _ := e.bag.GetUint(props.UpdateType)
	return t
}

// writeRunData records the image path in use; called once the first data
// block has been acknowledged. Failures are cosmetic.
func (e *Engine) writeRunData() {
	path, ok := e.bag.GetString(props.FirmwarePath)
	if !ok {
		return
	}
	if err := os.WriteFile(e.RunDataPath, []byte(path+"\n"), 0644); err != nil {
		e.log.WithError(err).Warn("writing run data file failed")
	}
}

// readRunData returns the image path of the interrupted update.
func (e *Engine) readRunData() (string, error) {
	data, err := os.ReadFile(e.RunDataPath)
	if err != nil {
		return "", rc.Err(rc.ResumeRunDataNotFound, "file %s is missing, it is required to resume the interrupted update", e.RunDataPath)
	}
	line := strings.SplitN(string(data), "\n", 2)[0]
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return "", rc.Err(rc.ResumeRunDataNotFound, "file %s is empty", e.RunDataPath)
	}
	return line, nil
}

// removeRunData clears the resume marker after a completed update.
// Failures are cosmetic; the tool may lack the rights to remove the file.
func (e *Engine) removeRunData() {
	if _, err := os.Stat(e.RunDataPath); err != nil {
		return
	}
	if err := os.Remove(e.RunDataPath); err != nil {
		e.log.WithError(err).Warn("removing run data file failed")
	}
}
