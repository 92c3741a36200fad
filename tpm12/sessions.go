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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"time"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// commandAuth is the authorization trailer appended to auth1 commands.
type commandAuth struct {
	AuthHandle  tpmutil.Handle
	NonceOdd    Nonce
	ContSession uint8
	Auth        AuthData
}

// responseAuth is the authorization trailer ending auth1 responses.
type responseAuth struct {
	NonceEven   Nonce
	ContSession uint8
	Auth        AuthData
}

const responseAuthSize = 41

// newCommandAuth builds the trailer for one command: a fresh odd nonce and
// HMAC-SHA1(secret, SHA1(ord || params) || nonceEven || nonceOdd || cont).
func newCommandAuth(authHandle tpmutil.Handle, nonceEven Nonce, secret []byte, ord tpmutil.Command, params ...interface{}) (*commandAuth, error) {
	digest, err := paramDigest(uint32(ord), params...)
	if err != nil {
		return nil, err
	}
	ca := &commandAuth{AuthHandle: authHandle}
	if _, err := rand.Read(ca.NonceOdd[:]); err != nil {
		return nil, rc.Err(rc.Internal, "reading session nonce: %v", err)
	}
	ca.Auth = sessionHMAC(secret, digest, nonceEven, ca.NonceOdd, ca.ContSession)
	return ca, nil
}

// verify checks the response trailer over the response parameters. A
// mismatch means the response was not produced by the holder of the
// session secret.
func (ra *responseAuth) verify(nonceOdd Nonce, secret []byte, ord tpmutil.Command, params ...interface{}) error {
	digest, err := paramDigest(uint32(0), append([]interface{}{uint32(ord)}, params...)...)
	if err != nil {
		return err
	}
	want := sessionHMAC(secret, digest, ra.NonceEven, nonceOdd, ra.ContSession)
	if !hmac.Equal(ra.Auth[:], want[:]) {
		return rc.Err(rc.MalformedResponse, "response authorization HMAC mismatch")
	}
	return nil
}

// paramDigest is SHA1 over the packed elements.
func paramDigest(first uint32, params ...interface{}) (Digest, error) {
	var d Digest
	b, err := tpmutil.Pack(append([]interface{}{first}, params...)...)
	if err != nil {
		return d, err
	}
	return sha1.Sum(b), nil
}

func sessionHMAC(secret []byte, digest Digest, nonceEven, nonceOdd Nonce, cont uint8) AuthData {
	hm := hmac.New(sha1.New, secret)
	hm.Write(digest[:])
	hm.Write(nonceEven[:])
	hm.Write(nonceOdd[:])
	hm.Write([]byte{cont})
	var a AuthData
	copy(a[:], hm.Sum(nil))
	return a
}

// Session is a live 1.2 authorization session. It must be terminated on
// every exit path of the routine that created it.
type Session struct {
	Handle    tpmutil.Handle
	NonceEven Nonce
}

// OIAP opens an object-independent authorization session.
func OIAP(t tpmutil.Transport) (*Session, error) {
	resp, code, err := tpmutil.RunCommand(t, tagRQUCommand, ordOIAP, durationShort)
	if err != nil {
		return nil, err
	}
	if code != tpmutil.RCSuccess {
		return nil, rc.Chip(uint32(code))
	}
	s := &Session{}
	if _, err := tpmutil.Unpack(resp, &s.Handle, &s.NonceEven); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding OIAP response: %v", err)
	}
	return s, nil
}

// OSAPResponse carries the handle and both even nonces of an
// object-specific session.
type OSAPResponse struct {
	Session       Session
	NonceEvenOSAP Nonce
}

// OSAP opens an object-specific authorization session bound to the given
// entity. The caller derives the shared secret from the returned even OSAP
// nonce and its own odd OSAP nonce.
func OSAP(t tpmutil.Transport, entityType uint16, entityValue tpmutil.Handle, nonceOddOSAP Nonce) (*OSAPResponse, error) {
	resp, code, err := tpmutil.RunCommand(t, tagRQUCommand, ordOSAP, durationShort, entityType, entityValue, nonceOddOSAP)
	if err != nil {
		return nil, err
	}
	if code != tpmutil.RCSuccess {
		return nil, rc.Chip(uint32(code))
	}
	r := &OSAPResponse{}
	if _, err := tpmutil.Unpack(resp, &r.Session.Handle, &r.Session.NonceEven, &r.NonceEvenOSAP); err != nil {
		return nil, rc.Err(rc.MalformedResponse, "decoding OSAP response: %v", err)
	}
	return r, nil
}

// OSAPSharedSecret derives the session secret:
// HMAC-SHA1(entitySecret, nonceEvenOSAP || nonceOddOSAP).
func OSAPSharedSecret(entitySecret AuthData, r *OSAPResponse, nonceOddOSAP Nonce) AuthData {
	hm := hmac.New(sha1.New, entitySecret[:])
	hm.Write(r.NonceEvenOSAP[:])
	hm.Write(nonceOddOSAP[:])
	var s AuthData
	copy(s[:], hm.Sum(nil))
	return s
}

// runAuth1 sends an auth1-tagged command and splits the response into the
// parameter bytes and the authorization trailer. Chip errors are returned
// as rc.Chip values; auth1 error responses carry no trailer.
func runAuth1(t tpmutil.Transport, ord tpmutil.Command, maxDuration time.Duration, ca *commandAuth, in ...interface{}) ([]byte, *responseAuth, error) {
	body := append(append([]interface{}{}, in...), ca)
	resp, code, err := tpmutil.RunCommand(t, tagRQUAuth1Command, ord, maxDuration, body...)
	if err != nil {
		return nil, nil, err
	}
	if code != tpmutil.RCSuccess {
		return nil, nil, rc.Chip(uint32(code))
	}
	if len(resp) < responseAuthSize {
		return nil, nil, rc.Err(rc.MalformedResponse, "auth1 response of %d bytes has no authorization trailer", len(resp))
	}
	ra := &responseAuth{}
	if _, err := tpmutil.Unpack(resp[len(resp)-responseAuthSize:], ra); err != nil {
		return nil, nil, rc.Err(rc.MalformedResponse, "decoding response authorization: %v", err)
	}
	return resp[:len(resp)-responseAuthSize], ra, nil
}
