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
)

// Info runs only the state probe and returns its summary.
func (e *Engine) Info() (*TpmState, error) {
	return e.Probe()
}

// ClearOwnership removes the TPM1.2 owner the tool installed during an
// ownership-based update. It requires a 1.2 chip owned with the tool's
// fixed owner authorization.
func (e *Engine) ClearOwnership() error {
	state, err := e.Probe()
	if err != nil {
		return err
	}

	switch {
	case state.Is12 && state.Is12Owned:
		// Continue below.
	case state.Is20:
		return rc.Err(rc.TpmNotSupportedFeature, "detected TPM is a TPM2.0")
	case state.Is12:
		return rc.Err(rc.Tpm12NoOwner, "detected TPM1.2 has no owner")
	case !state.IsInfineon:
		return rc.Err(rc.NoIfxTpm)
	default:
		return rc.Err(rc.UnsupportedChip, "detected TPM is not in a supported mode")
	}

	// Validate the owner secret with a harmless read before the
	// destructive clear, so a foreign owner fails cleanly.
	session, err := tpm12.OIAP(e.t)
	if err != nil {
		return err
	}
	if _, err := tpm12.OwnerReadInternalPub(e.t, session, tpm12.AuthData(ownerAuthData)); err != nil {
		if raw, ok := rc.ChipCode(err); ok && raw == tpm12.ErrAuthFail {
			return rc.Err(rc.Tpm12InvalidOwnerAuth, "the owner password is not the tool's default")
		}
		return err
	}

	// An authorization session is consumed by its command; the clear runs
	// on a fresh one.
	session, err = tpm12.OIAP(e.t)
	if err != nil {
		return err
	}
	if err := tpm12.OwnerClear(e.t, session, tpm12.AuthData(ownerAuthData)); err != nil {
		return err
	}
	e.log.Info("TPM1.2 ownership cleared")
	return nil
}
