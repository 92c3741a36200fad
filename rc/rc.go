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

// Package rc defines the 32-bit return codes shared by every layer of the
// firmware update tool. Success is zero. Codes returned by the TPM itself
// are carried with the reserved high bit set so callers can tell them apart
// from tool codes and recover the raw chip value.
package rc

import (
	"errors"
	"fmt"
)

// Code is a tool or chip return code. The process exit status is the
// numeric value of the code that terminated the flow.
type Code uint32

// TPMMask is OR-ed into every code returned by the chip.
const TPMMask Code = 0x80000000

// Success is the zero code shared by the tool and the chip.
const Success Code = 0

// Envelope codes: the flow itself could not execute.
const (
	Fail               Code = 0x0100
	BadParameter       Code = 0x0101
	Internal           Code = 0x0102
	NotConnected       Code = 0x0103
	AlreadyConnected   Code = 0x0104
	TimedOut           Code = 0x0105
	MalformedResponse  Code = 0x0106
	InsufficientBuffer Code = 0x0107
)

// Precondition codes: the chip is not in a state the requested flow supports.
const (
	TpmNotSupportedFeature   Code = 0x0201
	NoIfxTpm                 Code = 0x0202
	UnsupportedChip          Code = 0x0203
	Tpm12NoOwner             Code = 0x0204
	Tpm12Owned               Code = 0x0205
	Tpm12DeferredPpRequired  Code = 0x0206
	Tpm12DisabledDeactivated Code = 0x0207
	Tpm12InvalidOwnerAuth    Code = 0x0208
	Tpm20FailureMode         Code = 0x0209
	RestartRequired          Code = 0x020A
	FwUpdateBlocked          Code = 0x020B
)

// Image and configuration codes.
const (
	InvalidFwOption        Code = 0x0301
	InvalidConfigOption    Code = 0x0302
	InvalidSetting         Code = 0x0303
	CorruptFwImage         Code = 0x0304
	WrongFwImage           Code = 0x0305
	WrongDecryptKeys       Code = 0x0306
	NewerToolRequired      Code = 0x0307
	FirmwareUpdateNotFound Code = 0x0308
	AlreadyUpToDate        Code = 0x0309
)

// Flow codes.
const (
	InvalidUpdateOption   Code = 0x0401
	ResumeRunDataNotFound Code = 0x0402
	TpmFirmwareUpdate     Code = 0x0403
)

var names = map[Code]string{
	Success:                  "success",
	Fail:                     "unexpected failure",
	BadParameter:             "bad parameter",
	Internal:                 "internal error",
	NotConnected:             "not connected to the TPM",
	AlreadyConnected:         "already connected to the TPM",
	TimedOut:                 "TPM command timed out",
	MalformedResponse:        "malformed TPM response",
	InsufficientBuffer:       "insufficient buffer",
	TpmNotSupportedFeature:   "feature is not supported by the detected TPM",
	NoIfxTpm:                 "no Infineon TPM detected",
	UnsupportedChip:          "TPM chip is not supported",
	Tpm12NoOwner:             "TPM1.2 has no owner",
	Tpm12Owned:               "TPM1.2 owner detected",
	Tpm12DeferredPpRequired:  "deferred physical presence is required",
	Tpm12DisabledDeactivated: "TPM1.2 is disabled or deactivated",
	Tpm12InvalidOwnerAuth:    "TPM1.2 owner authentication is not the expected value",
	Tpm20FailureMode:         "TPM2.0 is in failure mode",
	RestartRequired:          "system restart required",
	FwUpdateBlocked:          "firmware update counter is exhausted",
	InvalidFwOption:          "invalid firmware option",
	InvalidConfigOption:      "invalid config option",
	InvalidSetting:           "invalid configuration setting",
	CorruptFwImage:           "corrupt firmware image",
	WrongFwImage:             "firmware image does not match the TPM",
	WrongDecryptKeys:         "TPM does not hold decrypt keys matching the firmware image",
	NewerToolRequired:        "a newer version of this tool is required for the firmware image",
	FirmwareUpdateNotFound:   "no firmware image found for the current TPM firmware",
	AlreadyUpToDate:          "TPM firmware is already up to date",
	InvalidUpdateOption:      "invalid update option",
	ResumeRunDataNotFound:    "run data file required to resume the interrupted update is missing",
	TpmFirmwareUpdate:        "firmware update error",
}

func (c Code) String() string {
	if c&TPMMask != 0 {
		return fmt.Sprintf("TPM error 0x%08X", uint32(c&^TPMMask))
	}
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("error 0x%08X", uint32(c))
}

// Error is the error value threaded through all layers of the tool.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("0x%08X: %s", uint32(e.Code), e.Code)
	}
	return fmt.Sprintf("0x%08X: %s", uint32(e.Code), e.Msg)
}

// Is reports code equality so errors.Is(err, rc.Err(rc.TimedOut)) holds for
// any message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Err builds an error for code. An optional format string and arguments
// override the code's default message.
func Err(code Code, format ...interface{}) error {
	msg := ""
	if len(format) > 0 {
		f, ok := format[0].(string)
		if !ok {
			return &Error{Code: Internal, Msg: "rc.Err called with a non-string format"}
		}
		msg = fmt.Sprintf(f, format[1:]...)
	}
	return &Error{Code: code, Msg: msg}
}

// Chip wraps a raw response code returned by the TPM. The reserved mask bit
// is set so the classifier can recover the original value with ChipCode.
func Chip(raw uint32) error {
	return &Error{Code: Code(raw) | TPMMask}
}

// CodeOf extracts the code carried by err. A nil error is Success; an error
// that carries no code is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsChip reports whether err carries a chip-returned code.
func IsChip(err error) bool {
	return CodeOf(err)&TPMMask != 0
}

// ChipCode recovers the raw chip code from err. It returns false when err
// does not carry a chip-returned code.
func ChipCode(err error) (uint32, bool) {
	c := CodeOf(err)
	if c&TPMMask == 0 {
		return 0, false
	}
	return uint32(c &^ TPMMask), true
}
