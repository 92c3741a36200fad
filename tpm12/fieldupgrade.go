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

package tpm12

import (
	"fmt"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// Vendor field-upgrade subcommands carried in the first byte of the
// TPM_FieldUpgrade parameter area.
const (
	fuInfoRequest uint8 = 0x10
	fuStart       uint8 = 0x34
	fuUpdate      uint8 = 0x35
	fuComplete    uint8 = 0x36
)

// Upgrade stages reported by FieldUpgradeInfoRequest.
const (
	StageOperational uint8 = 0x01
	StageBootLoader  uint8 = 0x02
)

// Chip family codes shared by the info structure and the firmware image
// container.
const (
	FamilyTPM12 uint8 = 0x01
	FamilyTPM20 uint8 = 0x02
)

// Flag bits in FieldUpgradeInfo.Flags.
const (
	FlagRestartRequired           uint16 = 0x0001
	FlagPlatformAuthSet           uint16 = 0x0002
	FlagPlatformHierarchyDisabled uint16 = 0x0004
	FlagFailureMode               uint16 = 0x0008
)

// FieldUpgradeInfo is the vendor structure describing the chip's upgrade
// state. The boot loader answers this request too, which is how an
// interrupted update is recognized after a reboot. The same structure is
// returned by the 2.0 vendor field-upgrade info command.
type FieldUpgradeInfo struct {
	VendorID         [4]byte
	Stage            uint8
	Family           uint8
	VersionMajor     uint16
	VersionMinor     uint16
	VersionBuild     uint16
	VersionRevision  uint16
	RemainingUpdates uint16
	Flags            uint16
	KeyFingerprint   tpmutil.U16Bytes
}

// VersionString renders the firmware version the way the vendor prints it.
func (i *FieldUpgradeInfo) VersionString() string {
	return fmt.Sprintf("%d.%d.%d.%d", i.VersionMajor, i.VersionMinor, i.VersionBuild, i.VersionRevision)
}

// IsInfineon reports whether the info was produced by an Infineon part.
func (i *FieldUpgradeInfo) IsInfineon() bool {
	return i.VendorID == ManufacturerIFX
}

// FieldUpgradeInfoRequest queries the chip's upgrade state.
func FieldUpgradeInfoRequest(t tpmutil.Transport) (*FieldUpgradeInfo, error) {
	resp, err := run(t, ordFieldUpgrade, durationShort, fuInfoRequest)
	if err != nil {
		return nil, err
	}
	info := &FieldUpgradeInfo{}
	if _, err := tpmutil.Unpack(resp, info); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding field upgrade info: %v", err)
	}
	return info, nil
}

// FieldUpgradeStart begins an update authorized by (deferred) physical
// presence. The manifest is the image's first payload block.
func FieldUpgradeStart(t tpmutil.Transport, manifest []byte) error {
	_, err := run(t, ordFieldUpgrade, durationLong, fuStart, tpmutil.U16Bytes(manifest))
	return err
}

// FieldUpgradeStartOwned begins an update authorized by the TPM owner.
func FieldUpgradeStartOwned(t tpmutil.Transport, manifest []byte, s *Session, ownerAuth AuthData) error {
	params := []interface{}{fuStart, tpmutil.U16Bytes(manifest)}
	ca, err := newCommandAuth(s.Handle, s.NonceEven, ownerAuth[:], ordFieldUpgrade, params...)
	if err != nil {
		return err
	}
	_, ra, err := runAuth1(t, ordFieldUpgrade, durationLong, ca, params...)
	if err != nil {
		return err
	}
	return ra.verify(ca.NonceOdd, ownerAuth[:], ordFieldUpgrade)
}

// FieldUpgradeUpdate delivers one payload block. The chip acknowledges
// each block before the next may be sent.
func FieldUpgradeUpdate(t tpmutil.Transport, block []byte) error {
	_, err := run(t, ordFieldUpgrade, durationLong, fuUpdate, tpmutil.U16Bytes(block))
	return err
}

// FieldUpgradeComplete finalizes the update and reboots the firmware.
func FieldUpgradeComplete(t tpmutil.Transport) error {
	_, err := run(t, ordFieldUpgrade, durationLong, fuComplete)
	return err
}
