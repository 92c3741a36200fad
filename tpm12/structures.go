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

	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// Nonce is the 20-octet anti-replay value used by 1.2 auth sessions.
type Nonce [20]byte

// Digest is a SHA-1 digest on the wire.
type Digest [20]byte

// AuthData is a SHA-1 sized shared authorization secret.
type AuthData [20]byte

// Version is the 1.2 structure version header carried by keys.
type Version struct {
	Major    uint8
	Minor    uint8
	RevMajor uint8
	RevMinor uint8
}

// RSAKeyParms describes an RSA key: modulus bits, prime count and an
// optional public exponent (empty means the default 65537).
type RSAKeyParms struct {
	KeyLength uint32
	NumPrimes uint32
	Exponent  tpmutil.U32Bytes
}

// KeyParms selects the algorithm and carries the algorithm-specific
// parameter blob.
type KeyParms struct {
	AlgID     uint32
	EncScheme uint16
	SigScheme uint16
	Parms     tpmutil.U32Bytes
}

// Key is the TPM_KEY structure sent to and returned by TakeOwnership.
type Key struct {
	Ver            Version
	KeyUsage       uint16
	KeyFlags       uint32
	AuthDataUsage  uint8
	AlgorithmParms KeyParms
	PCRInfo        tpmutil.U32Bytes
	PubKey         tpmutil.U32Bytes
	EncData        tpmutil.U32Bytes
}

// PubKey is the public endorsement key as returned by ReadPubEK.
type PubKey struct {
	AlgorithmParms KeyParms
	Key            tpmutil.U32Bytes
}

// RSAParms decodes the algorithm parameter blob of an RSA key.
func (p *PubKey) RSAParms() (*RSAKeyParms, error) {
	if p.AlgorithmParms.AlgID != algRSA {
		return nil, fmt.Errorf("endorsement key algorithm 0x%X is not RSA", p.AlgorithmParms.AlgID)
	}
	var parms RSAKeyParms
	if _, err := tpmutil.Unpack(p.AlgorithmParms.Parms, &parms); err != nil {
		return nil, err
	}
	return &parms, nil
}

// NewSRKParams builds the fixed 2048-bit storage root key parameter block
// sent with TakeOwnership.
func NewSRKParams() (*Key, error) {
	parms, err := tpmutil.Pack(RSAKeyParms{KeyLength: 2048, NumPrimes: 2})
	if err != nil {
		return nil, err
	}
	return &Key{
		Ver:           Version{Major: 1, Minor: 1},
		KeyUsage:      keyUsageStorage,
		AuthDataUsage: authAlways,
		AlgorithmParms: KeyParms{
			AlgID:     algRSA,
			EncScheme: esRSAEsOAEPSHA1MGF1,
			SigScheme: ssNone,
			Parms:     parms,
		},
	}, nil
}

// PermanentFlags is the subset of TPM_PERMANENT_FLAGS the update flow
// inspects.
type PermanentFlags struct {
	Tag                     uint16
	Disable                 uint8
	Ownership               uint8
	Deactivated             uint8
	ReadPubek               uint8
	DisableOwnerClear       uint8
	AllowMaintenance        uint8
	PhysicalPresenceLifetimeLock uint8
	PhysicalPresenceHWEnable     uint8
	PhysicalPresenceCMDEnable    uint8
	CEKPUsed                uint8
	TPMPost                 uint8
	TPMPostLock             uint8
	FIPS                    uint8
	Operator                uint8
	EnableRevokeEK          uint8
	NvLocked                uint8
	ReadSRKPub              uint8
	TpmEstablished          uint8
	MaintenanceDone         uint8
	DisableFullDALogicInfo  uint8
}

// STClearFlags is the subset of TPM_STCLEAR_FLAGS the update flow
// inspects; DeferredPhysicalPresence reflects the latch set through
// SetCapability.
type STClearFlags struct {
	Tag                      uint16
	Deactivated              uint8
	DisableForceClear        uint8
	PhysicalPresence         uint8
	PhysicalPresenceLock     uint8
	BGlobalLock              uint8
	DeferredPhysicalPresence uint8
}
