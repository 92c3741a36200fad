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
	"time"

	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// Command and response tags.
const (
	tagRQUCommand      tpmutil.Tag = 0x00C1
	tagRQUAuth1Command tpmutil.Tag = 0x00C2
	tagRSPCommand      tpmutil.Tag = 0x00C4
	tagRSPAuth1Command tpmutil.Tag = 0x00C5
)

// Ordinals used by the update and clear-ownership flows.
const (
	ordOIAP                 tpmutil.Command = 0x0000000A
	ordOSAP                 tpmutil.Command = 0x0000000B
	ordTakeOwnership        tpmutil.Command = 0x0000000D
	ordSetCapability        tpmutil.Command = 0x0000003F
	ordOwnerClear           tpmutil.Command = 0x0000005B
	ordGetCapability        tpmutil.Command = 0x00000065
	ordOwnerReadInternalPub tpmutil.Command = 0x00000081
	ordReadPubEK            tpmutil.Command = 0x0000007C
	ordFieldUpgrade         tpmutil.Command = 0x000000AA
	ordTSCPhysicalPresence  tpmutil.Command = 0x4000000A
)

// Physical presence flag values for TSC_PhysicalPresence.
const (
	PhysicalPresenceCmdEnable uint16 = 0x0020
	PhysicalPresencePresent   uint16 = 0x0008
)

// Capability areas for GetCapability / SetCapability.
const (
	capFlag           uint32 = 0x00000004
	capProperty       uint32 = 0x00000005
	capVersionVal     uint32 = 0x0000001A
	capSetSTClearData uint32 = 0x00000004
)

// Capability sub-values.
const (
	subCapPropManufacturer uint32 = 0x00000103
	subCapPropOwner        uint32 = 0x00000111
	subCapFlagPermanent    uint32 = 0x00000108
	subCapFlagVolatile     uint32 = 0x00000109

	// STCLEAR_DATA field holding the deferred physical presence latch.
	subCapDeferredPhysicalPresence uint32 = 0x00000006
)

// Entity types and well-known handles.
const (
	etOwner uint16 = 0x0002
	etSRK   uint16 = 0x0004

	khSRK   tpmutil.Handle = 0x40000000
	khOwner tpmutil.Handle = 0x40000001
)

// TakeOwnership protocol and SRK parameter constants.
const (
	pidOwner uint16 = 0x0005

	keyUsageStorage uint16 = 0x0011
	authAlways      uint8  = 0x01

	algRSA              uint32 = 0x00000001
	esRSAEsOAEPSHA1MGF1 uint16 = 0x0003
	ssNone              uint16 = 0x0001
)

// Chip return codes matched by the flows.
const (
	ErrAuthFail     uint32 = 0x01
	ErrBadParameter uint32 = 0x03
	ErrDeactivated  uint32 = 0x06
	ErrDisabled     uint32 = 0x07
	ErrFail         uint32 = 0x09
	ErrBadOrdinal   uint32 = 0x0A
	ErrOwnerSet     uint32 = 0x14
)

// Per-command maximum durations from the vendor timing table. Capability
// and session commands finish within the short timeout; ownership and
// field-upgrade data commands may keep the chip busy much longer.
const (
	durationShort  = 2 * time.Second
	durationMedium = 20 * time.Second
	durationLong   = 120 * time.Second
)

// ManufacturerIFX is the vendor identifier reported by Infineon parts.
var ManufacturerIFX = [4]byte{'I', 'F', 'X', 0}
