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

package tpm20

import (
	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpm12"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// FieldUpgradeStartVendor begins a firmware update on a 2.0 chip. The
// policy session must have been prepared with PolicyCommandCode for
// FieldUpgradeStart and PolicySecret against the platform hierarchy; the
// chip consumes the session. The manifest is the image's first payload
// block.
func FieldUpgradeStartVendor(t tpmutil.Transport, session tpmutil.Handle, manifest []byte) error {
	auth, err := encodeAuthArea(session, nil, nil, 0x00)
	if err != nil {
		return err
	}
	resp, err := run(t, tagSessions, ccFieldUpgradeStartVendor, durationLong,
		HandlePlatform, auth, tpmutil.U16Bytes(manifest))
	if err != nil {
		return err
	}
	_, err = splitSessionResponse(resp)
	return err
}

// FieldUpgradeData delivers one payload block to a chip that has entered
// upgrade mode. An empty block completes the update.
func FieldUpgradeData(t tpmutil.Transport, block []byte) error {
	_, err := run(t, tagNoSessions, ccFieldUpgradeData, durationLong, tpmutil.U16Bytes(block))
	return err
}

// FieldUpgradeAbandon asks the boot loader to discard a started update.
// Only usable before the first payload block has been committed.
func FieldUpgradeAbandon(t tpmutil.Transport) error {
	_, err := run(t, tagNoSessions, ccFieldUpgradeAbandon, durationMedium)
	return err
}

// FieldUpgradeInfoVendor reads the vendor upgrade-state structure from a
// 2.0 chip. The wire layout is shared with the 1.2 info request.
func FieldUpgradeInfoVendor(t tpmutil.Transport) (*tpm12.FieldUpgradeInfo, error) {
	resp, err := run(t, tagNoSessions, ccFieldUpgradeInfo, durationShort)
	if err != nil {
		return nil, err
	}
	info := &tpm12.FieldUpgradeInfo{}
	if _, err := tpmutil.Unpack(resp, info); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding field upgrade info: %v", err)
	}
	return info, nil
}
