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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpm12"
	"github.com/infineon/tpmfactoryupd/tpm20"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// oaepLabel is the OAEP encoding parameter the TPM 1.2 specification
// fixes for encrypting secrets to the endorsement key.
var oaepLabel = []byte("TCPA")

// prepareTpm12PP readies a (deferred) physical presence update. The
// enable command may fail with BAD_PARAMETER on chips whose physical
// presence lifetime was locked in the factory; that alone does not stop
// the flow. A BAD_PARAMETER from the presence assertion itself does: the
// operator must set deferred physical presence through firmware setup
// first.
func (e *Engine) prepareTpm12PP() error {
	err := tpm12.PhysicalPresence(e.t, tpm12.PhysicalPresenceCmdEnable)
	if err != nil {
		if raw, ok := rc.ChipCode(err); !ok || raw != tpm12.ErrBadParameter {
			return err
		}
		e.log.Debug("physical presence command already enabled")
	}

	if err := tpm12.PhysicalPresence(e.t, tpm12.PhysicalPresencePresent); err != nil {
		if raw, ok := rc.ChipCode(err); ok && raw == tpm12.ErrBadParameter {
			return rc.Err(rc.Tpm12DeferredPpRequired)
		}
		return err
	}

	// At this point the latch must take; any error is real.
	if err := tpm12.SetDeferredPhysicalPresence(e.t); err != nil {
		return err
	}
	return nil
}

// prepareTpm12Ownership takes ownership with the tool's fixed owner
// authorization so the field-upgrade commands can run owner-authorized.
func (e *Engine) prepareTpm12Ownership() error {
	pubek, err := tpm12.ReadPubEK(e.t)
	if err != nil {
		return err
	}
	ekKey, err := rsaPublicKey(pubek)
	if err != nil {
		return err
	}

	encOwnerAuth, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, ekKey, ownerAuthData[:], oaepLabel)
	if err != nil {
		return rc.Err(rc.Internal, "encrypting owner authorization: %v", err)
	}
	encSrkAuth, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, ekKey, srkWellKnownAuth[:], oaepLabel)
	if err != nil {
		return rc.Err(rc.Internal, "encrypting SRK authorization: %v", err)
	}

	session, err := tpm12.OIAP(e.t)
	if err != nil {
		return err
	}

	srkParams, err := tpm12.NewSRKParams()
	if err != nil {
		return err
	}
	srk, err := tpm12.TakeOwnership(e.t, encOwnerAuth, encSrkAuth, srkParams, session, ownerAuthData)
	if err != nil {
		if raw, ok := rc.ChipCode(err); ok && (raw == tpm12.ErrDeactivated || raw == tpm12.ErrDisabled) {
			return rc.Err(rc.Tpm12DisabledDeactivated)
		}
		return err
	}
	if len(srk.PubKey) == 0 {
		return rc.Err(rc.Fail, "TakeOwnership returned an empty storage root key")
	}
	return nil
}

// prepareTpm20Policy opens the policy session that authorizes the vendor
// field-upgrade start: PolicyCommandCode binds it to FieldUpgradeStart,
// PolicySecret satisfies it with the empty platform authorization. On any
// failure the session is flushed before returning.
func (e *Engine) prepareTpm20Policy() (tpmutil.Handle, error) {
	nonceCaller := make([]byte, 32)
	if _, err := rand.Read(nonceCaller); err != nil {
		return 0, rc.Err(rc.Internal, "reading session nonce: %v", err)
	}
	session, err := tpm20.StartAuthSession(e.t, tpm20.SessionPolicy, tpm20.AlgSHA256, nonceCaller)
	if err != nil {
		return 0, err
	}

	if err := tpm20.PolicyCommandCode(e.t, session.Handle, tpm20.CCFieldUpgradeStart); err != nil {
		e.flushSession(session.Handle)
		return 0, err
	}
	if err := tpm20.PolicySecret(e.t, tpm20.HandlePlatform, session.Handle); err != nil {
		e.flushSession(session.Handle)
		return 0, err
	}
	return session.Handle, nil
}

// flushSession is the best-effort session cleanup of every error path. A
// flush failure is logged, never surfaced.
func (e *Engine) flushSession(handle tpmutil.Handle) {
	if handle == 0 {
		return
	}
	if err := tpm20.FlushContext(e.t, handle); err != nil {
		e.log.WithError(err).Warn("flushing policy session failed")
	}
}

func rsaPublicKey(pubek *tpm12.PubKey) (*rsa.PublicKey, error) {
	parms, err := pubek.RSAParms()
	if err != nil {
		return nil, rc.Err(rc.Fail, "%v", err)
	}
	if len(pubek.Key) == 0 {
		return nil, rc.Err(rc.Fail, "endorsement key has no modulus")
	}
	e := 65537
	if len(parms.Exponent) > 0 {
		e = int(new(big.Int).SetBytes(parms.Exponent).Int64())
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(pubek.Key),
		E: e,
	}, nil
}
