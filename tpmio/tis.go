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

package tpmio

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// TIS register file layout. The platform maps one 4 KiB register window
// per locality starting at a fixed physical base.
const (
	tisBase        = 0xFED40000
	localityStride = 0x1000
	windowSize     = 0x1000

	regAccess   = 0x00
	regSts      = 0x18
	regBurstLo  = 0x19
	regBurstHi  = 0x1A
	regDataFIFO = 0x24
	regDIDVID   = 0xF00
)

// Access register bits.
const (
	accessValid     = 0x80
	activeLocality  = 0x20
	requestUse      = 0x02
	establishmentBit = 0x01
)

// Status register bits.
const (
	stsValid     = 0x80
	commandReady = 0x40
	tpmGo        = 0x20
	dataAvail    = 0x10
	expect       = 0x08
)

// localityTimeout bounds the handshake steps that are not governed by a
// per-command duration.
const localityTimeout = 750 * time.Millisecond

// regFile is the byte-register view the protocol runs against. mmapRegs
// backs it in production; tests substitute an emulated chip.
type regFile interface {
	read8(off uint32) byte
	write8(off uint32, val byte)
}

type mmapRegs struct {
	mem []byte
}

func (m *mmapRegs) read8(off uint32) byte       { return m.mem[off] }
func (m *mmapRegs) write8(off uint32, val byte) { m.mem[off] = val }

type tisChannel struct {
	regs     regFile
	locality uint8
	mem      []byte // non-nil when mapped from /dev/mem
	memFile  *os.File
}

// openTIS maps the locality's register window from /dev/mem and claims the
// locality for this run.
func openTIS(locality uint8) (*tisChannel, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, rc.Err(rc.Internal, "opening /dev/mem: %v", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), tisBase+int64(locality)*localityStride, windowSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, rc.Err(rc.Internal, "mapping TPM register window: %v", err)
	}

	t := &tisChannel{regs: &mmapRegs{mem: mem}, locality: locality, mem: mem, memFile: f}
	if err := t.claimLocality(); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

func (t *tisChannel) close() error {
	if t.regs != nil {
		t.regs.write8(regAccess, activeLocality) // writing the bit releases the locality
	}
	if t.mem != nil {
		unix.Munmap(t.mem)
		t.mem = nil
	}
	if t.memFile != nil {
		t.memFile.Close()
		t.memFile = nil
	}
	return nil
}

func (t *tisChannel) readRegister(off uint32) (byte, error) {
	if off >= windowSize {
		return 0, rc.Err(rc.BadParameter, "register offset 0x%X out of window", off)
	}
	return t.regs.read8(off), nil
}

func (t *tisChannel) writeRegister(off uint32, val byte) error {
	if off >= windowSize {
		return rc.Err(rc.BadParameter, "register offset 0x%X out of window", off)
	}
	t.regs.write8(off, val)
	return nil
}

// claimLocality waits for the access register to become valid, requests
// use of the configured locality and waits for the chip to grant it.
func (t *tisChannel) claimLocality() error {
	if err := t.poll(regAccess, accessValid, localityTimeout); err != nil {
		return rc.Err(rc.NoIfxTpm, "TPM access register never became valid")
	}
	t.regs.write8(regAccess, requestUse)
	if err := t.poll(regAccess, activeLocality, localityTimeout); err != nil {
		return rc.Err(rc.TimedOut, "locality %d was not granted", t.locality)
	}
	return nil
}

// poll waits until all bits in mask are set in the register, yielding to
// the scheduler about a millisecond at a time with exponential back-off.
func (t *tisChannel) poll(off uint32, mask byte, max time.Duration) error {
	deadline := time.Now().Add(max)
	sleep := time.Millisecond
	for {
		if t.regs.read8(off)&mask == mask {
			return nil
		}
		if time.Now().After(deadline) {
			return rc.Err(rc.TimedOut, "register 0x%X bit 0x%02X not set within %v", off, mask, max)
		}
		time.Sleep(sleep)
		if sleep < 64*time.Millisecond {
			sleep *= 2
		}
	}
}

func (t *tisChannel) burstCount() int {
	lo := t.regs.read8(regBurstLo)
	hi := t.regs.read8(regBurstHi)
	return int(binary.LittleEndian.Uint16([]byte{lo, hi}))
}

// waitBurst waits for a non-zero burst count.
func (t *tisChannel) waitBurst(max time.Duration) (int, error) {
	deadline := time.Now().Add(max)
	sleep := time.Millisecond
	for {
		if n := t.burstCount(); n > 0 {
			return n, nil
		}
		if time.Now().After(deadline) {
			return 0, rc.Err(rc.TimedOut, "burst count stayed zero for %v", max)
		}
		time.Sleep(sleep)
		if sleep < 64*time.Millisecond {
			sleep *= 2
		}
	}
}

// transmit runs one full TIS transaction: ready the chip, pump the command
// into the FIFO respecting burstCount, set tpmGo, wait for dataAvail no
// longer than maxDuration, then drain the response.
func (t *tisChannel) transmit(cmd []byte, maxDuration time.Duration) ([]byte, error) {
	t.regs.write8(regSts, commandReady)
	if err := t.poll(regSts, commandReady, localityTimeout); err != nil {
		return nil, err
	}

	for sent := 0; sent < len(cmd); {
		burst, err := t.waitBurst(localityTimeout)
		if err != nil {
			return nil, err
		}
		n := burst
		if rem := len(cmd) - sent; n > rem {
			n = rem
		}
		for i := 0; i < n; i++ {
			t.regs.write8(regDataFIFO, cmd[sent+i])
		}
		sent += n
	}
	if err := t.poll(regSts, stsValid, localityTimeout); err != nil {
		return nil, err
	}
	if t.regs.read8(regSts)&expect != 0 {
		t.abort()
		return nil, rc.Err(rc.Internal, "TPM still expects command bytes after full command was written")
	}

	t.regs.write8(regSts, tpmGo)

	if err := t.poll(regSts, stsValid|dataAvail, maxDuration); err != nil {
		t.abort()
		return nil, err
	}

	resp, err := t.drainResponse()
	if err != nil {
		t.abort()
		return nil, err
	}
	t.regs.write8(regSts, commandReady)
	return resp, nil
}

// drainResponse reads the response header first to learn the total size,
// then the remainder, always respecting burstCount.
func (t *tisChannel) drainResponse() ([]byte, error) {
	const hdrSize = 10
	hdr, err := t.readFIFO(hdrSize)
	if err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[2:6]))
	if size < hdrSize || size > tpmutil.MaxResponseSize {
		return nil, rc.Err(rc.MalformedResponse, "response declares %d bytes", size)
	}
	rest, err := t.readFIFO(size - hdrSize)
	if err != nil {
		return nil, err
	}
	return append(hdr, rest...), nil
}

func (t *tisChannel) readFIFO(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := t.poll(regSts, stsValid|dataAvail, localityTimeout); err != nil {
			return nil, rc.Err(rc.MalformedResponse, "response ended after %d of %d bytes", len(out), n)
		}
		burst, err := t.waitBurst(localityTimeout)
		if err != nil {
			return nil, err
		}
		for i := 0; i < burst && len(out) < n; i++ {
			out = append(out, t.regs.read8(regDataFIFO))
		}
	}
	return out, nil
}

// abort returns the chip to the idle state after a failed transaction.
func (t *tisChannel) abort() {
	t.regs.write8(regSts, commandReady)
}
