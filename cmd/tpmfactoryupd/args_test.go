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

package main

import (
	"strings"
	"testing"

	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/rc"
)

func TestParseArgsUpdateFirmware(t *testing.T) {
	opts, err := parseArgs([]string{"-update", "tpm20-emptyplatformauth", "-firmware", "img.bin", "-dry-run"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.updateType != props.UpdateTpm20EmptyPlatformAuth {
		t.Errorf("updateType = %d", opts.updateType)
	}
	if opts.firmwarePath != "img.bin" || !opts.dryRun {
		t.Errorf("opts = %+v", opts)
	}
}

func TestParseArgsConfigFile(t *testing.T) {
	opts, err := parseArgs([]string{"-update", "config-file", "-config", "cfg.ini"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.updateType != props.UpdateConfigFile || opts.configPath != "cfg.ini" {
		t.Errorf("opts = %+v", opts)
	}
}

func TestParseArgsConflicts(t *testing.T) {
	for _, args := range [][]string{
		{"-info", "-update", "tpm12-PP", "-firmware", "x"},
		{"-info", "-firmware", "x"},
		{"-info", "-tpm12-clearownership"},
		{"-tpm12-clearownership", "-update", "tpm12-PP", "-firmware", "x"},
		{"-update", "config-file", "-firmware", "x", "-config", "c"},
		{"-update", "tpm12-PP", "-config", "c", "-firmware", "x"},
	} {
		if _, err := parseArgs(args); err == nil {
			t.Errorf("parseArgs(%v) accepted conflicting options", args)
		}
	}
}

func TestParseArgsMissingPayloads(t *testing.T) {
	if _, err := parseArgs([]string{"-update", "tpm12-PP"}); rc.CodeOf(err) != rc.InvalidFwOption {
		t.Errorf("missing -firmware: %v", err)
	}
	if _, err := parseArgs([]string{"-update", "config-file"}); rc.CodeOf(err) != rc.InvalidConfigOption {
		t.Errorf("missing -config: %v", err)
	}
	if _, err := parseArgs([]string{"-update", "bogus", "-firmware", "x"}); rc.CodeOf(err) != rc.InvalidUpdateOption {
		t.Errorf("bad update type: %v", err)
	}
}

func TestParseArgsLogOptionalPayload(t *testing.T) {
	opts, err := parseArgs([]string{"-log", "-info"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !opts.logEnabled || opts.logPath != "" {
		t.Errorf("opts = %+v", opts)
	}

	opts, err = parseArgs([]string{"-log", "trace.log", "-info"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.logPath != "trace.log" {
		t.Errorf("logPath = %q", opts.logPath)
	}

	long := strings.Repeat("x", maxLogPathLen+1)
	if _, err := parseArgs([]string{"-log", long, "-info"}); err == nil {
		t.Error("overlong log path accepted")
	}
}

func TestParseArgsAccessMode(t *testing.T) {
	opts, err := parseArgs([]string{"-access-mode", "1", "-info"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.accessMode != 1 {
		t.Errorf("accessMode = %d", opts.accessMode)
	}

	opts, err = parseArgs([]string{"-access-mode", "3", "/dev/tpm1", "-info"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.accessMode != 3 || opts.accessPath != "/dev/tpm1" {
		t.Errorf("opts = %+v", opts)
	}

	if _, err := parseArgs([]string{"-access-mode", "2", "-info"}); err == nil {
		t.Error("unsupported access mode accepted")
	}
}
