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

// Package tpm20 implements the TPM 2.0 commands used by the firmware
// update flow, including the vendor field-upgrade command group.
package tpm20

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

var log = logrus.WithField("module", "tpm20")

func run(t tpmutil.Transport, tag tpmutil.Tag, cc tpmutil.Command, maxDuration time.Duration, in ...interface{}) ([]byte, error) {
	resp, code, err := tpmutil.RunCommand(t, tag, cc, maxDuration, in...)
	if err != nil {
		return nil, err
	}
	if code != tpmutil.RCSuccess {
		log.WithField("cc", uint32(cc)).Debugf("chip returned 0x%X", uint32(code))
		return nil, rc.Chip(uint32(code))
	}
	return resp, nil
}

// IsAuthFail reports whether err is a chip authorization failure
// (TPM_RC_BAD_AUTH or TPM_RC_AUTH_FAIL in either session or handle form).
func IsAuthFail(err error) bool {
	raw, ok := rc.ChipCode(err)
	if !ok || raw&rcFmt1 == 0 {
		return false
	}
	code := raw & 0x03F
	return code == rcBadAuth || code == rcAuthFail
}

// Startup initializes the TPM after a reset.
func Startup(t tpmutil.Transport, typ uint16) error {
	_, err := run(t, tagNoSessions, ccStartup, durationShort, typ)
	return err
}

// Shutdown prepares the TPM for a power cycle.
func Shutdown(t tpmutil.Transport, typ uint16) error {
	_, err := run(t, tagNoSessions, ccShutdown, durationShort, typ)
	return err
}

// TaggedProperty is one TPMS_TAGGED_PROPERTY from a capability response.
type TaggedProperty struct {
	Property uint32
	Value    uint32
}

// GetCapability reads up to count TPM properties starting at first.
// The moreData result reports whether further properties exist.
func GetCapability(t tpmutil.Transport, first, count uint32) ([]TaggedProperty, bool, error) {
	resp, err := run(t, tagNoSessions, ccGetCapability, durationShort, capTPMProperties, first, count)
	if err != nil {
		return nil, false, err
	}
	var moreData uint8
	var capability, n uint32
	read, err := tpmutil.Unpack(resp, &moreData, &capability, &n)
	if err != nil {
		return nil, false, rc.Err(rc.MalformedResponse, "decoding GetCapability response: %v", err)
	}
	props := make([]TaggedProperty, 0, n)
	rest := resp[read:]
	for i := uint32(0); i < n; i++ {
		var p TaggedProperty
		consumed, err := tpmutil.Unpack(rest, &p)
		if err != nil {
			return nil, false, rc.Err(rc.MalformedResponse, "decoding property %d: %v", i, err)
		}
		rest = rest[consumed:]
		props = append(props, p)
	}
	return props, moreData != 0, nil
}

// GetTestResult reports the outcome of the TPM's self tests. A non-zero
// test result means the chip is in failure mode.
func GetTestResult(t tpmutil.Transport) ([]byte, uint32, error) {
	resp, err := run(t, tagNoSessions, ccGetTestResult, durationShort)
	if err != nil {
		return nil, 0, err
	}
	var outData tpmutil.U16Bytes
	var testResult uint32
	if _, err := tpmutil.Unpack(resp, &outData, &testResult); err != nil {
		return nil, 0, rc.Err(rc.MalformedResponse, "decoding GetTestResult response: %v", err)
	}
	return outData, testResult, nil
}

// Session is a live 2.0 session handle with the chip's last nonce.
type Session struct {
	Handle tpmutil.Handle
	Nonce  []byte
}

// StartAuthSession starts an unbound, unsalted session of the given type
// with the given hash algorithm and no symmetric encryption.
func StartAuthSession(t tpmutil.Transport, sessionType uint8, hashAlg uint16, nonceCaller []byte) (*Session, error) {
	resp, err := run(t, tagNoSessions, ccStartAuthSession, durationShort,
		HandleNull, HandleNull,
		tpmutil.U16Bytes(nonceCaller), tpmutil.U16Bytes(nil),
		sessionType, AlgNull, hashAlg)
	if err != nil {
		return nil, err
	}
	s := &Session{}
	var nonce tpmutil.U16Bytes
	if _, err := tpmutil.Unpack(resp, &s.Handle, &nonce); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding StartAuthSession response: %v", err)
	}
	s.Nonce = nonce
	return s, nil
}

// PolicyCommandCode restricts the policy session to a single command code.
func PolicyCommandCode(t tpmutil.Transport, session tpmutil.Handle, code uint32) error {
	_, err := run(t, tagNoSessions, ccPolicyCommandCode, durationShort, session, code)
	return err
}

// encodeAuthArea marshals the authorization block for a sessions-tagged
// command: the session body is written first, then wrapped with its byte
// length, the same deferred-size technique the outer header uses.
func encodeAuthArea(session tpmutil.Handle, nonce, hmac []byte, attributes uint8) (tpmutil.RawBytes, error) {
	body, err := tpmutil.Pack(session, tpmutil.U16Bytes(nonce), attributes, tpmutil.U16Bytes(hmac))
	if err != nil {
		return nil, err
	}
	area, err := tpmutil.Pack(tpmutil.U32Bytes(body))
	if err != nil {
		return nil, err
	}
	return area, nil
}

// splitSessionResponse separates the parameter bytes of a sessions-tagged
// response from the trailing session acknowledgements.
func splitSessionResponse(resp []byte) ([]byte, error) {
	var paramSize uint32
	read, err := tpmutil.Unpack(resp, &paramSize)
	if err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding response parameter size: %v", err)
	}
	if int(paramSize) > len(resp)-read {
		return nil, rc.Err(rc.MalformedResponse, "response parameter area of %d bytes exceeds response", paramSize)
	}
	return resp[read : read+int(paramSize)], nil
}

// PolicySecret satisfies the session's policy with the authorization value
// of authHandle, using an empty password. An empty platformAuth is exactly
// what the update flow proves this way.
func PolicySecret(t tpmutil.Transport, authHandle tpmutil.Handle, session tpmutil.Handle) error {
	auth, err := encodeAuthArea(HandlePassword, nil, nil, 0x01)
	if err != nil {
		return err
	}
	resp, err := run(t, tagSessions, ccPolicySecret, durationShort,
		authHandle, session, auth,
		tpmutil.U16Bytes(nil), // nonceTPM
		tpmutil.U16Bytes(nil), // cpHashA
		tpmutil.U16Bytes(nil), // policyRef
		int32(0))              // expiration
	if err != nil {
		return err
	}
	_, err = splitSessionResponse(resp)
	return err
}

// HierarchyChangeAuth replaces the authorization value of a hierarchy,
// authorized with the hierarchy's current (empty) value.
func HierarchyChangeAuth(t tpmutil.Transport, hierarchy tpmutil.Handle, newAuth []byte) error {
	auth, err := encodeAuthArea(HandlePassword, nil, nil, 0x01)
	if err != nil {
		return err
	}
	_, err = run(t, tagSessions, ccHierarchyChangeAuth, durationShort,
		hierarchy, auth, tpmutil.U16Bytes(newAuth))
	return err
}

// FlushContext releases a loaded session or object.
func FlushContext(t tpmutil.Transport, handle tpmutil.Handle) error {
	_, err := run(t, tagNoSessions, ccFlushContext, durationShort, handle)
	return err
}
