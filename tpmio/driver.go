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
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// driverChannel treats the kernel driver's device file as a blocking
// request/response endpoint: one write delivers a command, one read
// retrieves the matching response. The kernel performs TIS internally, so
// register-level access is not available on this backend.
type driverChannel struct {
	dev *os.File
}

func openDriver(path string) (*driverChannel, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, rc.Err(rc.Internal, "stat %s: %v", path, err)
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return nil, rc.Err(rc.InvalidSetting, "%s is not a device file", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, rc.Err(rc.Internal, "open %s: %v", path, err)
	}
	return &driverChannel{dev: f}, nil
}

func (d *driverChannel) close() error {
	return d.dev.Close()
}

func (d *driverChannel) transmit(cmd []byte, maxDuration time.Duration) ([]byte, error) {
	if _, err := d.dev.Write(cmd); err != nil {
		return nil, rc.Err(rc.Internal, "writing command to driver: %v", err)
	}
	if err := d.pollReadable(maxDuration); err != nil {
		return nil, err
	}
	buf := make([]byte, tpmutil.MaxResponseSize)
	n, err := d.dev.Read(buf)
	if err != nil {
		return nil, rc.Err(rc.Internal, "reading response from driver: %v", err)
	}
	return buf[:n], nil
}

// pollReadable blocks until the device has a response, bounded by the
// command's maximum duration.
func (d *driverChannel) pollReadable(maxDuration time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(d.dev.Fd()), Events: unix.POLLIN}}
	timeout := int(maxDuration / time.Millisecond)
	if timeout <= 0 {
		timeout = 1
	}
	n, err := unix.Poll(fds, timeout)
	if err != nil {
		return rc.Err(rc.Internal, "poll: %v", err)
	}
	if n == 0 {
		return rc.Err(rc.TimedOut, "no response from driver within %v", maxDuration)
	}
	return nil
}

func (d *driverChannel) readRegister(uint32) (byte, error) {
	return 0, rc.Err(rc.TpmNotSupportedFeature, "register access is not supported on the driver backend")
}

func (d *driverChannel) writeRegister(uint32, byte) error {
	return rc.Err(rc.TpmNotSupportedFeature, "register access is not supported on the driver backend")
}
