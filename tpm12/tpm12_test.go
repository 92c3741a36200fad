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
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

type fakeTPM struct {
	cmds  [][]byte
	resps [][]byte
}

func (f *fakeTPM) Transmit(cmd []byte, _ time.Duration) ([]byte, error) {
	f.cmds = append(f.cmds, cmd)
	if len(f.resps) == 0 {
		return nil, rc.Err(rc.TimedOut)
	}
	r := f.resps[0]
	f.resps = f.resps[1:]
	return r, nil
}

func okResponse(tag uint16, params []byte) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], tag)
	binary.BigEndian.PutUint32(b[2:6], uint32(10+len(params)))
	binary.BigEndian.PutUint32(b[6:10], 0)
	return append(b, params...)
}

func errResponse(code uint32) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x00C4)
	binary.BigEndian.PutUint32(b[2:6], 10)
	binary.BigEndian.PutUint32(b[6:10], code)
	return b
}

func TestOIAP(t *testing.T) {
	params := make([]byte, 24)
	binary.BigEndian.PutUint32(params[0:4], 0x0201) // auth handle
	params[4] = 0xAB                                // first nonce byte
	f := &fakeTPM{resps: [][]byte{okResponse(0x00C4, params)}}

	s, err := OIAP(f)
	if err != nil {
		t.Fatalf("OIAP: %v", err)
	}
	if s.Handle != 0x0201 {
		t.Errorf("handle = %x, want 0x0201", s.Handle)
	}
	if s.NonceEven[0] != 0xAB {
		t.Errorf("nonce[0] = %x, want 0xAB", s.NonceEven[0])
	}
	want, _ := hex.DecodeString("00c10000000a0000000a")
	if !bytes.Equal(f.cmds[0], want) {
		t.Errorf("command % x, want % x", f.cmds[0], want)
	}
}

func TestPhysicalPresenceEncoding(t *testing.T) {
	f := &fakeTPM{resps: [][]byte{okResponse(0x00C4, nil)}}
	if err := PhysicalPresence(f, PhysicalPresenceCmdEnable); err != nil {
		t.Fatalf("PhysicalPresence: %v", err)
	}
	want, _ := hex.DecodeString("00c10000000c4000000a0020")
	if !bytes.Equal(f.cmds[0], want) {
		t.Errorf("command % x, want % x", f.cmds[0], want)
	}
}

func TestPhysicalPresenceChipError(t *testing.T) {
	f := &fakeTPM{resps: [][]byte{errResponse(ErrBadParameter)}}
	err := PhysicalPresence(f, PhysicalPresencePresent)
	raw, ok := rc.ChipCode(err)
	if !ok || raw != ErrBadParameter {
		t.Fatalf("got %v, want chip BAD_PARAMETER", err)
	}
}

func TestSetDeferredPhysicalPresenceEncoding(t *testing.T) {
	f := &fakeTPM{resps: [][]byte{okResponse(0x00C4, nil)}}
	if err := SetDeferredPhysicalPresence(f); err != nil {
		t.Fatalf("SetDeferredPhysicalPresence: %v", err)
	}
	// capArea ST_CLEAR_DATA, subCap DEFERREDPHYSICALPRESENCE, value TRUE.
	want, _ := hex.DecodeString("00c10000001e0000003f" + "00000004" + "0000000400000006" + "0000000400000001")
	if !bytes.Equal(f.cmds[0], want) {
		t.Errorf("command\n% x, want\n% x", f.cmds[0], want)
	}
}

func TestGetCapabilityPayload(t *testing.T) {
	payload := []byte{0x49, 0x46, 0x58, 0x00}
	resp, _ := tpmutil.Pack(tpmutil.U32Bytes(payload))
	f := &fakeTPM{resps: [][]byte{okResponse(0x00C4, resp)}}
	got, err := GetCapability(f, capProperty, subCapPropManufacturer)
	if err != nil {
		t.Fatalf("GetCapability: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload % x, want % x", got, payload)
	}
}

func TestFieldUpgradeInfoRequest(t *testing.T) {
	info := FieldUpgradeInfo{
		VendorID:         ManufacturerIFX,
		Stage:            StageOperational,
		Family:           FamilyTPM12,
		VersionMajor:     4,
		VersionMinor:     40,
		VersionBuild:     119,
		RemainingUpdates: 64,
		KeyFingerprint:   tpmutil.U16Bytes{1, 2, 3, 4},
	}
	params, err := tpmutil.Pack(info)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	f := &fakeTPM{resps: [][]byte{okResponse(0x00C4, params)}}

	got, err := FieldUpgradeInfoRequest(f)
	if err != nil {
		t.Fatalf("FieldUpgradeInfoRequest: %v", err)
	}
	if !got.IsInfineon() {
		t.Error("IsInfineon = false")
	}
	if got.VersionString() != "4.40.119.0" {
		t.Errorf("version = %q, want 4.40.119.0", got.VersionString())
	}
	if got.RemainingUpdates != 64 {
		t.Errorf("remaining updates = %d, want 64", got.RemainingUpdates)
	}
	wantCmd, _ := hex.DecodeString("00c10000000b000000aa10")
	if !bytes.Equal(f.cmds[0], wantCmd) {
		t.Errorf("command % x, want % x", f.cmds[0], wantCmd)
	}
}

func TestFieldUpgradeUpdateEncoding(t *testing.T) {
	f := &fakeTPM{resps: [][]byte{okResponse(0x00C4, nil)}}
	if err := FieldUpgradeUpdate(f, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("FieldUpgradeUpdate: %v", err)
	}
	wantCmd, _ := hex.DecodeString("00c10000000f000000aa350002aabb")
	if !bytes.Equal(f.cmds[0], wantCmd) {
		t.Errorf("command % x, want % x", f.cmds[0], wantCmd)
	}
}

func TestOwnerClearAuthTrailer(t *testing.T) {
	var ownerAuth AuthData
	copy(ownerAuth[:], bytes.Repeat([]byte{0x11}, 20))

	// Response trailer must carry a valid HMAC for OwnerClear to succeed.
	var nonceEven Nonce
	nonceEven[0] = 0x42
	// The response auth HMAC depends on the command's odd nonce, which
	// OwnerClear generates. Run it against a transport that computes the
	// trailer the way the chip would.
	chip := &authTrailerChip{secret: ownerAuth}
	s := &Session{Handle: 0x0201, NonceEven: nonceEven}
	if err := OwnerClear(chip, s, ownerAuth); err != nil {
		t.Fatalf("OwnerClear: %v", err)
	}

	// A chip answering with a bad HMAC must be rejected.
	chip.corrupt = true
	if err := OwnerClear(chip, s, ownerAuth); !errors.Is(err, rc.Err(rc.MalformedResponse)) {
		t.Fatalf("got %v, want MalformedResponse for bad response HMAC", err)
	}
}

// authTrailerChip emulates the chip side of a 1.2 auth1 exchange.
type authTrailerChip struct {
	secret  AuthData
	corrupt bool
}

func (c *authTrailerChip) Transmit(cmd []byte, _ time.Duration) ([]byte, error) {
	// The odd nonce sits in the command trailer: handle(4) || nonceOdd(20)
	// || cont(1) || auth(20) from the end.
	var nonceOdd Nonce
	copy(nonceOdd[:], cmd[len(cmd)-41:len(cmd)-21])

	ord := binary.BigEndian.Uint32(cmd[6:10])
	var nonceEven Nonce
	nonceEven[5] = 0x99

	digestIn := make([]byte, 8)
	binary.BigEndian.PutUint32(digestIn[0:4], 0) // return code
	binary.BigEndian.PutUint32(digestIn[4:8], ord)
	digest := sha1.Sum(digestIn)

	hm := hmac.New(sha1.New, c.secret[:])
	hm.Write(digest[:])
	hm.Write(nonceEven[:])
	hm.Write(nonceOdd[:])
	hm.Write([]byte{0})
	auth := hm.Sum(nil)
	if c.corrupt {
		auth[0] ^= 0xFF
	}

	trailer := append(append(append([]byte{}, nonceEven[:]...), 0), auth...)
	return okResponseAuth1(trailer), nil
}

func okResponseAuth1(trailer []byte) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], 0x00C5)
	binary.BigEndian.PutUint32(b[2:6], uint32(10+len(trailer)))
	binary.BigEndian.PutUint32(b[6:10], 0)
	return append(b, trailer...)
}
