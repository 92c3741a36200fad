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

// Package fwupdate drives the firmware update: it probes the chip's
// state, prepares the authorization that matches the requested update
// type, streams the image payload and tracks the resume marker across an
// interrupted transfer.
package fwupdate

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/tpmutil"
)

// RunDataFile is the resume marker written once the chip has acknowledged
// the first payload block of a config-file-driven update. Its presence
// after a reboot means the chip sits in boot-loader mode waiting for the
// same image.
const RunDataFile = "TPMFactoryUpd_RunData.txt"

// ownerAuthData is the fixed owner authorization hash the tool installs
// when taking ownership. It must stay byte-identical across releases so
// the tool can clear ownership on chips it updated earlier.
var ownerAuthData = [20]byte{
	0x67, 0x68, 0x03, 0x3e, 0x21,
	0x64, 0x68, 0x24, 0x7b, 0xd0,
	0x31, 0xa0, 0xa2, 0xd9, 0x87,
	0x6d, 0x79, 0x81, 0x8f, 0x8f,
}

// srkWellKnownAuth is the all-zero SRK secret.
var srkWellKnownAuth [20]byte

// ProgressFunc receives the transfer percentage after each acknowledged
// block. Callbacks run on the driving goroutine and must not issue TPM
// commands.
type ProgressFunc func(percent uint32)

// Engine owns the single transport and property bag of a tool run. The
// CLI instantiates exactly one.
type Engine struct {
	t   tpmutil.Transport
	bag *props.Bag
	log *logrus.Entry

	// Progress is invoked during TRANSFER_BLOCKS; nil disables reporting.
	Progress ProgressFunc
	// RunDataPath overrides the resume marker location; defaults to
	// RunDataFile in the working directory.
	RunDataPath string

	// sleep is replaced in tests to keep the dry run fast.
	sleep func(time.Duration)
}

// New builds an engine over a connected transport.
func New(t tpmutil.Transport, bag *props.Bag) *Engine {
	return &Engine{
		t:           t,
		bag:         bag,
		log:         logrus.WithField("module", "fwupdate"),
		RunDataPath: RunDataFile,
		sleep:       time.Sleep,
	}
}

func (e *Engine) progress(percent uint32) {
	if e.Progress != nil {
		e.Progress(percent)
	}
}
