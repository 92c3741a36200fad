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

import "github.com/infineon/tpmfactoryupd/rc"

// ResultSubtype records the phase the update flow reached.
type ResultSubtype int

const (
	SubtypeIsUpdatable ResultSubtype = iota
	SubtypePrepare
	SubtypeUpdate
)

// Tristate is a yes/no value that starts out unknown.
type Tristate int

const (
	TristateNA Tristate = iota
	TristateYes
	TristateNo
)

// UpdateRequest is the validated operation request handed in by the CLI.
type UpdateRequest struct {
	UpdateType          uint32
	FirmwarePath        string
	ConfigPath          string
	DryRun              bool
	IgnoreCompleteError bool
}

// UpdateResult is the structured outcome of an update flow. The envelope
// error of Update reports whether the flow executed; ReturnCode reports
// whether the chip accepted, and is meaningless unless the envelope is
// nil.
type UpdateResult struct {
	Subtype            ResultSubtype
	ReturnCode         rc.Code
	NewFirmwareValid   Tristate
	TargetFamily       uint8
	NewFirmwareVersion string
	UsedFirmwareImage  string
	ErrorDetails       string
}

// fail records an inner failure on the result and keeps the envelope
// clean.
func (r *UpdateResult) fail(err error) {
	r.ReturnCode = rc.CodeOf(err)
	r.ErrorDetails = err.Error()
}
