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

// Package tpmio provides the physical transport to the TPM: either the
// memory-mapped TIS register protocol or the kernel character-device
// driver. Exactly one channel is connected at a time; the process drops
// its effective privileges to the real user as part of connecting.
package tpmio

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/infineon/tpmfactoryupd/rc"
)

// Mode selects the transport backend. The numeric values are the ones
// accepted by the -access-mode command line option.
type Mode int

const (
	// ModeMemoryMapped drives the TIS register file mapped from /dev/mem.
	ModeMemoryMapped Mode = 1
	// ModeDriver talks to the kernel driver's character device.
	ModeDriver Mode = 3
)

// DefaultDevicePath is the driver device used when no path is given.
const DefaultDevicePath = "/dev/tpm0"

// Config selects and parameterizes the backend.
type Config struct {
	Mode     Mode
	Path     string // device path for ModeDriver
	Locality uint8  // register window for ModeMemoryMapped, 0..4
}

type backend interface {
	transmit(cmd []byte, maxDuration time.Duration) ([]byte, error)
	readRegister(off uint32) (byte, error)
	writeRegister(off uint32, val byte) error
	close() error
}

// Channel is the single transport handle of a tool run. It implements
// tpmutil.Transport once connected.
type Channel struct {
	cfg       Config
	connected bool
	b         backend
	log       *logrus.Entry
}

// New builds an unconnected channel.
func New(cfg Config) *Channel {
	if cfg.Path == "" {
		cfg.Path = DefaultDevicePath
	}
	return &Channel{cfg: cfg, log: logrus.WithField("module", "tpmio")}
}

// Connect opens the configured backend and drops the effective user and
// group to the real ones. Connecting twice fails with AlreadyConnected; a
// failed privilege drop is fatal and leaves the channel unconnected.
func (c *Channel) Connect() error {
	if c.connected {
		return rc.Err(rc.AlreadyConnected)
	}

	var b backend
	var err error
	switch c.cfg.Mode {
	case ModeMemoryMapped:
		if c.cfg.Locality > 4 {
			return rc.Err(rc.BadParameter, "locality %d out of range", c.cfg.Locality)
		}
		c.log.WithField("locality", c.cfg.Locality).Debug("using memory mapped TIS access")
		b, err = openTIS(c.cfg.Locality)
	case ModeDriver:
		c.log.WithField("device", c.cfg.Path).Debug("using TPM driver device")
		b, err = openDriver(c.cfg.Path)
	default:
		return rc.Err(rc.InvalidSetting, "unknown device access mode %d", c.cfg.Mode)
	}
	if err != nil {
		return err
	}

	if err := dropPrivileges(); err != nil {
		b.close()
		return err
	}

	c.b = b
	c.connected = true
	c.log.Debug("connected to TPM")
	return nil
}

// Disconnect releases the backend. Disconnecting without a prior connect
// fails with NotConnected.
func (c *Channel) Disconnect() error {
	if !c.connected {
		return rc.Err(rc.NotConnected)
	}
	err := c.b.close()
	c.b = nil
	c.connected = false
	c.log.Debug("disconnected from TPM")
	return err
}

// Transmit delivers one command and returns the chip's response.
func (c *Channel) Transmit(cmd []byte, maxDuration time.Duration) ([]byte, error) {
	if !c.connected {
		return nil, rc.Err(rc.NotConnected)
	}
	if len(cmd) == 0 {
		return nil, rc.Err(rc.BadParameter, "empty command")
	}
	return c.b.transmit(cmd, maxDuration)
}

// ReadRegister reads one byte from a TIS register. The driver backend has
// no register access and fails with TpmNotSupportedFeature.
func (c *Channel) ReadRegister(off uint32) (byte, error) {
	if !c.connected {
		return 0, rc.Err(rc.NotConnected)
	}
	return c.b.readRegister(off)
}

// WriteRegister writes one byte to a TIS register. The driver backend has
// no register access and fails with TpmNotSupportedFeature.
func (c *Channel) WriteRegister(off uint32, val byte) error {
	if !c.connected {
		return rc.Err(rc.NotConnected)
	}
	return c.b.writeRegister(off, val)
}

// dropPrivileges lowers the effective group then user to the real ones.
// The tool starts set-uid root to reach /dev/mem or the device node and
// must not keep root beyond connect.
func dropPrivileges() error {
	if err := unix.Setresgid(-1, unix.Getgid(), -1); err != nil {
		return rc.Err(rc.Internal, "setegid: %v", err)
	}
	if err := unix.Setresuid(-1, unix.Getuid(), -1); err != nil {
		return rc.Err(rc.Internal, "seteuid: %v", err)
	}
	return nil
}
