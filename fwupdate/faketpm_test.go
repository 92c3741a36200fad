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
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/infineon/tpmfactoryupd/tpm12"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// Command codes the fake dispatches on.
const (
	fakeOrdOIAP            = 0x0000000A
	fakeOrdTakeOwnership   = 0x0000000D
	fakeOrdSetCapability   = 0x0000003F
	fakeOrdOwnerClear      = 0x0000005B
	fakeOrdGetCapability   = 0x00000065
	fakeOrdOwnerRead       = 0x00000081
	fakeOrdReadPubEK       = 0x0000007C
	fakeOrdFieldUpgrade    = 0x000000AA
	fakeOrdPhysPresence    = 0x4000000A
	fakeCCStartup          = 0x00000144
	fakeCCPolicySecret     = 0x00000151
	fakeCCFlushContext     = 0x00000165
	fakeCCPolicyCC         = 0x0000016C
	fakeCCStartAuthSession = 0x00000176
	fakeCCGetCapability    = 0x0000017A
	fakeCCGetTestResult    = 0x0000017C
	fakeCCFuStartVendor    = 0x2000012F
	fakeCCFuData           = 0x20000131
	fakeCCFuInfo           = 0x20000132
)

const fakeSessionHandle = 0x03000001

// fakeChip is a scripted chip model behind the tpmutil.Transport seam. It
// understands exactly the commands the flows issue.
type fakeChip struct {
	// Identity.
	is20       bool
	bootLoader bool
	vendor     [4]byte
	version    [4]uint16
	remaining  uint16
	owned      bool
	deferredPP bool
	flags20    uint16
	testResult uint32
	keyFp      []byte

	// Error injection: chip code to answer with, 0 means success.
	ppEnableErr     uint32
	ppPresentErr    uint32
	policySecretErr uint32
	completeErr     uint32
	ownerReadErr    uint32
	// failAtBlock fails the n-th data block (0-based); -1 disables.
	failAtBlock int

	// Recording.
	commands      []uint32
	subcommands   []uint8
	flushed       []uint32
	startManifest []byte
	dataBlocks    [][]byte
	policyCC      uint32
	secretDone    bool
	completed     bool
}

func newFake12(version string) *fakeChip {
	f := &fakeChip{vendor: [4]byte{'I', 'F', 'X', 0}, remaining: 64, failAtBlock: -1}
	f.setVersion(version)
	return f
}

func newFake20(version string) *fakeChip {
	f := newFake12(version)
	f.is20 = true
	return f
}

func (f *fakeChip) setVersion(v string) {
	var a, b, c, d int
	fmt.Sscanf(v, "%d.%d.%d.%d", &a, &b, &c, &d)
	f.version = [4]uint16{uint16(a), uint16(b), uint16(c), uint16(d)}
}

func (f *fakeChip) info() *tpm12.FieldUpgradeInfo {
	stage := tpm12.StageOperational
	family := tpm12.FamilyTPM12
	if f.is20 {
		family = tpm12.FamilyTPM20
	}
	if f.bootLoader {
		stage = tpm12.StageBootLoader
	}
	return &tpm12.FieldUpgradeInfo{
		VendorID:         f.vendor,
		Stage:            stage,
		Family:           family,
		VersionMajor:     f.version[0],
		VersionMinor:     f.version[1],
		VersionBuild:     f.version[2],
		VersionRevision:  f.version[3],
		RemainingUpdates: f.remaining,
		Flags:            f.flags20,
		KeyFingerprint:   f.keyFp,
	}
}

func (f *fakeChip) Transmit(cmd []byte, _ time.Duration) ([]byte, error) {
	tag := binary.BigEndian.Uint16(cmd[0:2])
	cc := binary.BigEndian.Uint32(cmd[6:10])
	body := cmd[10:]
	f.commands = append(f.commands, cc)

	switch cc {
	case fakeOrdFieldUpgrade:
		return f.fieldUpgrade12(tag, body), nil
	case fakeOrdGetCapability:
		return f.getCapability12(body), nil
	case fakeOrdPhysPresence:
		flag := binary.BigEndian.Uint16(body)
		if flag == 0x0020 && f.ppEnableErr != 0 {
			return chipError12(f.ppEnableErr), nil
		}
		if flag == 0x0008 && f.ppPresentErr != 0 {
			return chipError12(f.ppPresentErr), nil
		}
		return ok12(nil), nil
	case fakeOrdSetCapability:
		return ok12(nil), nil
	case fakeOrdOIAP:
		params := make([]byte, 24)
		binary.BigEndian.PutUint32(params[0:4], 0x00020001)
		params[4] = 0xEE
		return ok12(params), nil
	case fakeOrdReadPubEK:
		return f.readPubEK(), nil
	case fakeOrdTakeOwnership:
		return f.takeOwnership(cmd), nil
	case fakeOrdOwnerClear:
		return f.auth1OK(cmd, fakeOrdOwnerClear, nil), nil
	case fakeOrdOwnerRead:
		if f.ownerReadErr != 0 {
			return chipError12(f.ownerReadErr), nil
		}
		pk, _ := tpmutil.Pack(fakePubKey(64))
		return f.auth1OK(cmd, fakeOrdOwnerRead, pk), nil

	case fakeCCStartup:
		return chipError20(0x100), nil // already initialized
	case fakeCCGetTestResult:
		params, _ := tpmutil.Pack(tpmutil.U16Bytes(nil), f.testResult)
		return ok20(params), nil
	case fakeCCGetCapability:
		return f.getCapability20(body), nil
	case fakeCCFuInfo:
		params, _ := tpmutil.Pack(f.info())
		return ok20(params), nil
	case fakeCCStartAuthSession:
		params, _ := tpmutil.Pack(tpmutil.Handle(fakeSessionHandle), tpmutil.U16Bytes(make([]byte, 32)))
		return ok20(params), nil
	case fakeCCPolicyCC:
		f.policyCC = binary.BigEndian.Uint32(body[4:8])
		return ok20(nil), nil
	case fakeCCPolicySecret:
		if f.policySecretErr != 0 {
			return chipError20(f.policySecretErr), nil
		}
		f.secretDone = true
		params, _ := tpmutil.Pack(uint32(10), tpmutil.U16Bytes(nil), uint16(0x8029), tpmutil.Handle(0x4000000C), tpmutil.U16Bytes(nil))
		return okSessions20(params), nil
	case fakeCCFlushContext:
		f.flushed = append(f.flushed, binary.BigEndian.Uint32(body))
		return ok20(nil), nil
	case fakeCCFuStartVendor:
		// handle(4) || authSize(4) || auth || blobLen(2) || blob
		authSize := binary.BigEndian.Uint32(body[4:8])
		blob := body[8+authSize+2:]
		f.startManifest = append([]byte{}, blob...)
		// parameterSize(4) = 0, then the session ack: nonce(2) || attrs(1) || hmac(2)
		params, _ := tpmutil.Pack(uint32(0), tpmutil.U16Bytes(nil), uint8(0), tpmutil.U16Bytes(nil))
		return okSessions20(params), nil
	case fakeCCFuData:
		n := binary.BigEndian.Uint16(body[0:2])
		block := append([]byte{}, body[2:2+int(n)]...)
		if len(block) == 0 {
			f.completed = true
			if f.completeErr != 0 {
				return chipError20(f.completeErr), nil
			}
			return ok20(nil), nil
		}
		if f.failAtBlock == len(f.dataBlocks) {
			return chipError20(0x101), nil
		}
		f.dataBlocks = append(f.dataBlocks, block)
		return ok20(nil), nil
	}
	return chipError12(0x0A), nil // BAD_ORDINAL
}

func (f *fakeChip) fieldUpgrade12(tag uint16, body []byte) []byte {
	sub := body[0]
	f.subcommands = append(f.subcommands, sub)
	switch sub {
	case 0x10: // info request
		if f.is20 && !f.bootLoader {
			// A 2.0 chip rejects the 1.2 ordinal.
			return chipError12(0x0A)
		}
		params, _ := tpmutil.Pack(f.info())
		return ok12(params)
	case 0x34: // start
		var blob []byte
		n := binary.BigEndian.Uint16(body[1:3])
		blob = body[3 : 3+int(n)]
		f.startManifest = append([]byte{}, blob...)
		if tag == 0x00C2 {
			return f.auth1OKBody(blobTrailer(body), fakeOrdFieldUpgrade, nil)
		}
		return ok12(nil)
	case 0x35: // data block
		n := binary.BigEndian.Uint16(body[1:3])
		block := append([]byte{}, body[3:3+int(n)]...)
		if f.failAtBlock == len(f.dataBlocks) {
			return chipError12(0x09)
		}
		f.dataBlocks = append(f.dataBlocks, block)
		return ok12(nil)
	case 0x36: // complete
		f.completed = true
		if f.completeErr != 0 {
			return chipError12(f.completeErr)
		}
		return ok12(nil)
	}
	return chipError12(0x0A)
}

func (f *fakeChip) getCapability12(body []byte) []byte {
	capArea := binary.BigEndian.Uint32(body[0:4])
	subCap := binary.BigEndian.Uint32(body[8:12])
	switch {
	case capArea == 0x05 && subCap == 0x111: // owner installed
		v := byte(0)
		if f.owned {
			v = 1
		}
		payload, _ := tpmutil.Pack(tpmutil.U32Bytes{v})
		return ok12(payload)
	case capArea == 0x04 && subCap == 0x109: // STCLEAR flags
		flags := tpm12.STClearFlags{Tag: 0x0025}
		if f.deferredPP {
			flags.DeferredPhysicalPresence = 1
		}
		b, _ := tpmutil.Pack(flags)
		payload, _ := tpmutil.Pack(tpmutil.U32Bytes(b))
		return ok12(payload)
	}
	return chipError12(0x03)
}

func (f *fakeChip) getCapability20(body []byte) []byte {
	first := binary.BigEndian.Uint32(body[4:8])
	var prop, value uint32
	switch first {
	case 0x105: // manufacturer
		prop, value = first, 0x49465800
		if f.vendor != [4]byte{'I', 'F', 'X', 0} {
			value = 0x12345678
		}
	case 0x201: // startup clear
		prop, value = first, 0x1
	default:
		prop, value = first, 0
	}
	params, _ := tpmutil.Pack(uint8(0), uint32(6), uint32(1), prop, value)
	return ok20(params)
}

func (f *fakeChip) readPubEK() []byte {
	pk, _ := tpmutil.Pack(fakePubKey(256), tpm12.Digest{})
	return ok12(pk)
}

func fakePubKey(modulusLen int) tpm12.PubKey {
	parms, _ := tpmutil.Pack(tpm12.RSAKeyParms{KeyLength: uint32(modulusLen * 8), NumPrimes: 2})
	modulus := make([]byte, modulusLen)
	for i := range modulus {
		modulus[i] = byte(i + 1) // arbitrary non-zero modulus
	}
	// Full bit length and odd, as every RSA modulus is.
	modulus[0] |= 0x80
	modulus[modulusLen-1] |= 0x01
	return tpm12.PubKey{
		AlgorithmParms: tpm12.KeyParms{AlgID: 1, EncScheme: 3, SigScheme: 1, Parms: parms},
		Key:            modulus,
	}
}

func (f *fakeChip) takeOwnership(cmd []byte) []byte {
	srk := tpm12.Key{
		Ver:      tpm12.Version{Major: 1, Minor: 1},
		KeyUsage: 0x0011,
		AlgorithmParms: tpm12.KeyParms{
			AlgID: 1, EncScheme: 3, SigScheme: 1,
		},
		PubKey: make([]byte, 256),
	}
	out, _ := tpmutil.Pack(&srk)
	return f.auth1OK(cmd, fakeOrdTakeOwnership, out)
}

// auth1OK builds a successful auth1 response whose trailer is HMAC'd with
// the tool's fixed owner secret, the way the chip would after the tool
// took ownership.
func (f *fakeChip) auth1OK(cmd []byte, ord uint32, outParams []byte) []byte {
	var nonceOdd [20]byte
	copy(nonceOdd[:], cmd[len(cmd)-41:len(cmd)-21])
	return buildAuth1Response(ord, outParams, nonceOdd)
}

func (f *fakeChip) auth1OKBody(nonceOdd [20]byte, ord uint32, outParams []byte) []byte {
	return buildAuth1Response(ord, outParams, nonceOdd)
}

func blobTrailer(body []byte) [20]byte {
	var nonceOdd [20]byte
	copy(nonceOdd[:], body[len(body)-41:len(body)-21])
	return nonceOdd
}

func buildAuth1Response(ord uint32, outParams []byte, nonceOdd [20]byte) []byte {
	var nonceEven [20]byte
	nonceEven[7] = 0x77

	digestIn := make([]byte, 8)
	binary.BigEndian.PutUint32(digestIn[4:8], ord)
	digest := sha1.Sum(append(digestIn, outParams...))

	hm := hmac.New(sha1.New, ownerAuthData[:])
	hm.Write(digest[:])
	hm.Write(nonceEven[:])
	hm.Write(nonceOdd[:])
	hm.Write([]byte{0})
	auth := hm.Sum(nil)

	trailer := append(append(append([]byte{}, nonceEven[:]...), 0), auth...)
	params := append(append([]byte{}, outParams...), trailer...)

	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x00C5)
	binary.BigEndian.PutUint32(b[2:6], uint32(10+len(params)))
	binary.BigEndian.PutUint32(b[6:10], 0)
	return append(b, params...)
}

func ok12(params []byte) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x00C4)
	binary.BigEndian.PutUint32(b[2:6], uint32(10+len(params)))
	binary.BigEndian.PutUint32(b[6:10], 0)
	return append(b, params...)
}

func chipError12(code uint32) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x00C4)
	binary.BigEndian.PutUint32(b[2:6], 10)
	binary.BigEndian.PutUint32(b[6:10], code)
	return b
}

func ok20(params []byte) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x8001)
	binary.BigEndian.PutUint32(b[2:6], uint32(10+len(params)))
	binary.BigEndian.PutUint32(b[6:10], 0)
	return append(b, params...)
}

func okSessions20(params []byte) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x8002)
	binary.BigEndian.PutUint32(b[2:6], uint32(10+len(params)))
	binary.BigEndian.PutUint32(b[6:10], 0)
	return append(b, params...)
}

func chipError20(code uint32) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x8001)
	binary.BigEndian.PutUint32(b[2:6], 10)
	binary.BigEndian.PutUint32(b[6:10], code)
	return b
}

func (f *fakeChip) countCommands(cc uint32) int {
	n := 0
	for _, c := range f.commands {
		if c == cc {
			n++
		}
	}
	return n
}

func (f *fakeChip) countSubcommands(sub uint8) int {
	n := 0
	for _, s := range f.subcommands {
		if s == sub {
			n++
		}
	}
	return n
}
