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

package tpmutil

import (
	"encoding/binary"
	"io"
)

// MaxCommandSize is the largest command buffer the tool ever hands to a
// transport. MaxResponseSize bounds what a transport may return; /dev/tpm
// returns the whole response in a single read, so the buffer must hold the
// worst case up front.
const (
	MaxCommandSize  = 4096
	MaxResponseSize = 4096
)

// Tag is the 16-bit structure tag leading every command and response.
type Tag uint16

// Command identifies a TPM ordinal (1.2) or command code (2.0).
type Command uint32

// ResponseCode is the code reported in a response header. Zero means
// success for both TPM families.
type ResponseCode uint32

// RCSuccess is the shared success response code.
const RCSuccess ResponseCode = 0x000

// A Handle references a TPM entity such as a key or an auth session.
type Handle uint32

// CommandHeader leads every marshalled command. Size is patched to the
// final command length after the body has been written.
type CommandHeader struct {
	Tag  Tag
	Size uint32
	Cmd  Command
}

// ResponseHeader leads every response.
type ResponseHeader struct {
	Tag  Tag
	Size uint32
	Res  ResponseCode
}

// RawBytes marshals without a length prefix. Use it for material that is
// already encoded, such as a pre-built parameter area.
type RawBytes []byte

// TPMMarshal writes the bytes as-is.
func (b RawBytes) TPMMarshal(out io.Writer) error {
	_, err := out.Write(b)
	return err
}

// TPMUnmarshal drains the remainder of the input.
func (b *RawBytes) TPMUnmarshal(in io.Reader) error {
	buf, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	*b = buf
	return nil
}

// U16Bytes is a sized blob with a 16-bit big-endian length prefix.
type U16Bytes []byte

// TPMMarshal packs the length then the bytes.
func (b U16Bytes) TPMMarshal(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := out.Write(b)
	return err
}

// TPMUnmarshal reads the length then exactly that many bytes.
func (b *U16Bytes) TPMUnmarshal(in io.Reader) error {
	var size uint16
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return err
	}
	buf := make([]byte, int(size))
	if _, err := io.ReadFull(in, buf); err != nil {
		return err
	}
	*b = buf
	return nil
}

// U32Bytes is a sized blob with a 32-bit big-endian length prefix.
type U32Bytes []byte

// TPMMarshal packs the length then the bytes.
func (b U32Bytes) TPMMarshal(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := out.Write(b)
	return err
}

// TPMUnmarshal reads the length then exactly that many bytes. The declared
// length is checked against MaxResponseSize so a corrupt response cannot
// force an oversized allocation.
func (b *U32Bytes) TPMUnmarshal(in io.Reader) error {
	var size uint32
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return err
	}
	if size > MaxResponseSize {
		return io.ErrUnexpectedEOF
	}
	buf := make([]byte, int(size))
	if _, err := io.ReadFull(in, buf); err != nil {
		return err
	}
	*b = buf
	return nil
}

// SelfMarshaler lets a type override the reflective codec in Pack and
// Unpack.
type SelfMarshaler interface {
	TPMMarshal(out io.Writer) error
	TPMUnmarshal(in io.Reader) error
}
