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

// Package tpm12 implements the TPM 1.2 commands used by the firmware
// update and clear-ownership flows.
package tpm12

import (
	"crypto/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

var log = logrus.WithField("module", "tpm12")

// run sends an unauthorized command and returns the response parameters.
func run(t tpmutil.Transport, ord tpmutil.Command, maxDuration time.Duration, in ...interface{}) ([]byte, error) {
	resp, code, err := tpmutil.RunCommand(t, tagRQUCommand, ord, maxDuration, in...)
	if err != nil {
		return nil, err
	}
	if code != tpmutil.RCSuccess {
		log.WithField("ordinal", uint32(ord)).Debugf("chip returned 0x%X", uint32(code))
		return nil, rc.Chip(uint32(code))
	}
	return resp, nil
}

// GetCapability queries one capability area and returns the raw payload of
// the response.
func GetCapability(t tpmutil.Transport, capArea uint32, subCap uint32) ([]byte, error) {
	sub, err := tpmutil.Pack(subCap)
	if err != nil {
		return nil, err
	}
	resp, err := run(t, ordGetCapability, durationShort, capArea, tpmutil.U32Bytes(sub))
	if err != nil {
		return nil, err
	}
	var payload tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(resp, &payload); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding GetCapability response: %v", err)
	}
	return payload, nil
}

// GetPermanentFlags reads TPM_PERMANENT_FLAGS.
func GetPermanentFlags(t tpmutil.Transport) (*PermanentFlags, error) {
	payload, err := GetCapability(t, capFlag, subCapFlagPermanent)
	if err != nil {
		return nil, err
	}
	var flags PermanentFlags
	if _, err := tpmutil.Unpack(payload, &flags); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding permanent flags: %v", err)
	}
	return &flags, nil
}

// GetSTClearFlags reads TPM_STCLEAR_FLAGS.
func GetSTClearFlags(t tpmutil.Transport) (*STClearFlags, error) {
	payload, err := GetCapability(t, capFlag, subCapFlagVolatile)
	if err != nil {
		return nil, err
	}
	var flags STClearFlags
	if _, err := tpmutil.Unpack(payload, &flags); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding STCLEAR flags: %v", err)
	}
	return &flags, nil
}

// OwnerInstalled reports whether the chip has a TPM owner.
func OwnerInstalled(t tpmutil.Transport) (bool, error) {
	payload, err := GetCapability(t, capProperty, subCapPropOwner)
	if err != nil {
		return false, err
	}
	var owner uint8
	if _, err := tpmutil.Unpack(payload, &owner); err != nil {
		return false, rc.Err(rc.MalformedResponse, "decoding owner property: %v", err)
	}
	return owner != 0, nil
}

// SetCapability writes one settable capability value.
func SetCapability(t tpmutil.Transport, capArea uint32, subCap uint32, value []byte) error {
	sub, err := tpmutil.Pack(subCap)
	if err != nil {
		return err
	}
	_, err = run(t, ordSetCapability, durationShort, capArea, tpmutil.U32Bytes(sub), tpmutil.U32Bytes(value))
	return err
}

// SetDeferredPhysicalPresence latches the deferred physical presence bit
// in the chip's ST_CLEAR data. Physical presence must be asserted first.
func SetDeferredPhysicalPresence(t tpmutil.Transport) error {
	return SetCapability(t, capSetSTClearData, subCapDeferredPhysicalPresence, []byte{0, 0, 0, 1})
}

// PhysicalPresence runs TSC_PhysicalPresence with the given flag value.
func PhysicalPresence(t tpmutil.Transport, flags uint16) error {
	_, err := run(t, ordTSCPhysicalPresence, durationShort, flags)
	return err
}

// ReadPubEK reads the public endorsement key.
func ReadPubEK(t tpmutil.Transport) (*PubKey, error) {
	var antiReplay Nonce
	if _, err := rand.Read(antiReplay[:]); err != nil {
		return nil, rc.Err(rc.Internal, "reading anti-replay nonce: %v", err)
	}
	resp, err := run(t, ordReadPubEK, durationShort, antiReplay)
	if err != nil {
		return nil, err
	}
	pk := &PubKey{}
	var checksum Digest
	if _, err := tpmutil.Unpack(resp, pk, &checksum); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding ReadPubEK response: %v", err)
	}
	return pk, nil
}

// TakeOwnership installs the encrypted owner and SRK secrets. The session
// must be a fresh OIAP session; ownerAuth is the plaintext owner secret
// used to authorize the command.
func TakeOwnership(t tpmutil.Transport, encOwnerAuth, encSrkAuth []byte, srkParams *Key, s *Session, ownerAuth AuthData) (*Key, error) {
	params := []interface{}{pidOwner, tpmutil.U32Bytes(encOwnerAuth), tpmutil.U32Bytes(encSrkAuth), srkParams}
	ca, err := newCommandAuth(s.Handle, s.NonceEven, ownerAuth[:], ordTakeOwnership, params...)
	if err != nil {
		return nil, err
	}
	out, ra, err := runAuth1(t, ordTakeOwnership, durationLong, ca, params...)
	if err != nil {
		return nil, err
	}
	srk := &Key{}
	if _, err := tpmutil.Unpack(out, srk); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding TakeOwnership response: %v", err)
	}
	if err := ra.verify(ca.NonceOdd, ownerAuth[:], ordTakeOwnership, srk); err != nil {
		return nil, err
	}
	return srk, nil
}

// OwnerClear removes the TPM owner. The session must be a fresh OIAP
// session authorized with the current owner secret.
func OwnerClear(t tpmutil.Transport, s *Session, ownerAuth AuthData) error {
	ca, err := newCommandAuth(s.Handle, s.NonceEven, ownerAuth[:], ordOwnerClear)
	if err != nil {
		return err
	}
	_, ra, err := runAuth1(t, ordOwnerClear, durationMedium, ca)
	if err != nil {
		return err
	}
	return ra.verify(ca.NonceOdd, ownerAuth[:], ordOwnerClear)
}

// OwnerReadInternalPub reads the public part of the SRK under owner
// authorization. The flows use it to validate the owner secret before a
// destructive command: a wrong secret fails with TPM_AUTHFAIL.
func OwnerReadInternalPub(t tpmutil.Transport, s *Session, ownerAuth AuthData) (*PubKey, error) {
	params := []interface{}{khSRK}
	ca, err := newCommandAuth(s.Handle, s.NonceEven, ownerAuth[:], ordOwnerReadInternalPub, params...)
	if err != nil {
		return nil, err
	}
	out, ra, err := runAuth1(t, ordOwnerReadInternalPub, durationShort, ca, params...)
	if err != nil {
		return nil, err
	}
	pk := &PubKey{}
	if _, err := tpmutil.Unpack(out, pk); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding OwnerReadInternalPub response: %v", err)
	}
	if err := ra.verify(ca.NonceOdd, ownerAuth[:], ordOwnerReadInternalPub, pk); err != nil {
		return nil, err
	}
	return pk, nil
}
