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
	"time"

	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// Command tags.
const (
	tagNoSessions tpmutil.Tag = 0x8001
	tagSessions   tpmutil.Tag = 0x8002
)

// Command codes. The vendor field-upgrade codes carry the vendor bit on
// top of the TCG FieldUpgradeStart code.
const (
	ccHierarchyChangeAuth tpmutil.Command = 0x00000129
	ccFieldUpgradeStart   tpmutil.Command = 0x0000012F
	ccStartup             tpmutil.Command = 0x00000144
	ccShutdown            tpmutil.Command = 0x00000145
	ccPolicySecret        tpmutil.Command = 0x00000151
	ccFlushContext        tpmutil.Command = 0x00000165
	ccPolicyCommandCode   tpmutil.Command = 0x0000016C
	ccStartAuthSession    tpmutil.Command = 0x00000176
	ccGetCapability       tpmutil.Command = 0x0000017A
	ccGetTestResult       tpmutil.Command = 0x0000017C

	ccFieldUpgradeStartVendor tpmutil.Command = 0x2000012F
	ccFieldUpgradeAbandon     tpmutil.Command = 0x20000130
	ccFieldUpgradeData        tpmutil.Command = 0x20000131
	ccFieldUpgradeInfo        tpmutil.Command = 0x20000132
)

// CCFieldUpgradeStart is the code bound into the policy session that
// authorizes a firmware update.
const CCFieldUpgradeStart uint32 = uint32(ccFieldUpgradeStart)

// Well-known handles.
const (
	HandleNull     tpmutil.Handle = 0x40000007
	HandlePassword tpmutil.Handle = 0x40000009
	HandlePlatform tpmutil.Handle = 0x4000000C
)

// Algorithms.
const (
	AlgNull   uint16 = 0x0010
	AlgSHA256 uint16 = 0x000B
)

// Session types for StartAuthSession.
const (
	SessionHMAC   uint8 = 0x00
	SessionPolicy uint8 = 0x01
	SessionTrial  uint8 = 0x03
)

// Startup/Shutdown types.
const (
	StartupClear uint16 = 0x0000
	StartupState uint16 = 0x0001
)

// Capability areas and property tags.
const (
	capTPMProperties uint32 = 0x00000006

	PTManufacturer     uint32 = 0x00000105
	PTVendorString1    uint32 = 0x00000106
	PTFirmwareVersion1 uint32 = 0x0000010B
	PTFirmwareVersion2 uint32 = 0x0000010C
	PTPermanent        uint32 = 0x00000200
	PTStartupClear     uint32 = 0x00000201
)

// TPMA_STARTUP_CLEAR bits.
const (
	AttrPhEnable uint32 = 0x00000001
)

// ManufacturerIFX is PT_MANUFACTURER on Infineon parts ("IFX\0").
const ManufacturerIFX uint32 = 0x49465800

// Response code details matched by the flows.
const (
	// RCInitialize: Startup has already been executed; tolerated by the
	// probe.
	RCInitialize uint32 = 0x100
	// RCFailure: the chip is in failure mode.
	RCFailure uint32 = 0x101
	// RCUpgrade: the chip is in field-upgrade (boot loader) mode.
	RCUpgrade uint32 = 0x12D
	// rcFmt1 and rcBadAuth identify format-1 authorization failures.
	rcFmt1    uint32 = 0x080
	rcBadAuth uint32 = 0x022
	rcAuthFail uint32 = 0x00E
)

// Per-command maximum durations from the vendor timing table.
const (
	durationShort  = 2 * time.Second
	durationMedium = 20 * time.Second
	durationLong   = 120 * time.Second
)
