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

// Package tpmutil implements the byte-exact command codec shared by the
// TPM 1.2 and TPM 2.0 command layers.
package tpmutil

import (
	"encoding/binary"
	"time"

	"github.com/infineon/tpmfactoryupd/rc"
)

// Transport delivers one marshalled command and returns the matching
// response. maxDuration bounds how long the transport waits for the chip;
// exceeding it fails with rc.TimedOut.
type Transport interface {
	Transmit(cmd []byte, maxDuration time.Duration) ([]byte, error)
}

// RunCommand marshals a command from tag, cmd and the body elements, hands
// it to the transport and splits the response into body and response code.
// A non-zero response code is returned with a nil error; the caller decides
// how to classify the chip code.
func RunCommand(t Transport, tag Tag, cmd Command, maxDuration time.Duration, body ...interface{}) ([]byte, ResponseCode, error) {
	if t == nil {
		return nil, 0, rc.Err(rc.NotConnected, "nil transport")
	}
	inb, err := BuildCommand(tag, cmd, body...)
	if err != nil {
		return nil, 0, err
	}
	outb, err := t.Transmit(inb, maxDuration)
	if err != nil {
		return nil, 0, err
	}

	var rh ResponseHeader
	rhSize := binary.Size(rh)
	if len(outb) < rhSize {
		return nil, 0, rc.Err(rc.MalformedResponse, "response of %d bytes is shorter than a response header", len(outb))
	}
	if _, err := Unpack(outb[:rhSize], &rh); err != nil {
		return nil, 0, err
	}
	// The declared size must match what the transport actually delivered;
	// anything else indicates a desynchronized transport.
	if int(rh.Size) != len(outb) {
		return nil, 0, rc.Err(rc.MalformedResponse, "response declares %d bytes, transport delivered %d", rh.Size, len(outb))
	}
	return outb[rhSize:], rh.Res, nil
}
