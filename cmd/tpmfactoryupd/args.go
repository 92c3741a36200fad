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

	"github.com/infineon/tpmfactoryupd/config"
	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/rc"
)

type options struct {
	help           bool
	info           bool
	clearOwnership bool

	updateType   uint32
	firmwarePath string
	configPath   string

	dryRun              bool
	ignoreCompleteError bool

	logEnabled   bool
	logPath      string
	logFileInUse string

	accessMode int
	accessPath string
}

// parseArgs maps the command line onto an options value and enforces the
// conflict matrix. Flags with optional payloads (-log, -access-mode's
// path) take the next token unless it is another flag.
func parseArgs(args []string) (*options, error) {
	opts := &options{}
	seenUpdate := false

	next := func(i int) (string, bool) {
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			return args[i+1], true
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-help", "-?":
			opts.help = true
		case "-info":
			opts.info = true
		case "-tpm12-clearownership":
			opts.clearOwnership = true
		case "-dry-run":
			opts.dryRun = true
		case "-ignore-error-on-complete":
			opts.ignoreCompleteError = true
		case "-update":
			v, ok := next(i)
			if !ok {
				return nil, rc.Err(rc.InvalidUpdateOption, "-update requires a type")
			}
			i++
			seenUpdate = true
			switch v {
			case config.OptionTpm12PP:
				opts.updateType = props.UpdateTpm12PP
			case config.OptionTpm12TakeOwnership:
				opts.updateType = props.UpdateTpm12TakeOwnership
			case config.OptionTpm20EmptyPlatformAuth:
				opts.updateType = props.UpdateTpm20EmptyPlatformAuth
			case "config-file":
				opts.updateType = props.UpdateConfigFile
			default:
				return nil, rc.Err(rc.InvalidUpdateOption, "unknown update type %q", v)
			}
		case "-firmware":
			v, ok := next(i)
			if !ok {
				return nil, rc.Err(rc.InvalidFwOption, "-firmware requires a path")
			}
			i++
			opts.firmwarePath = v
		case "-config":
			v, ok := next(i)
			if !ok {
				return nil, rc.Err(rc.InvalidConfigOption, "-config requires a path")
			}
			i++
			opts.configPath = v
		case "-log":
			opts.logEnabled = true
			if v, ok := next(i); ok {
				if len(v) > maxLogPathLen {
					return nil, rc.Err(rc.BadParameter, "log file path exceeds %d characters", maxLogPathLen)
				}
				opts.logPath = v
				i++
			}
		case "-access-mode":
			v, ok := next(i)
			if !ok {
				return nil, rc.Err(rc.BadParameter, "-access-mode requires a mode")
			}
			i++
			switch v {
			case "1":
				opts.accessMode = 1
			case "3":
				opts.accessMode = 3
			default:
				return nil, rc.Err(rc.BadParameter, "unsupported access mode %q", v)
			}
			if p, ok := next(i); ok {
				opts.accessPath = p
				i++
			}
		default:
			return nil, rc.Err(rc.BadParameter, "unknown option %q", args[i])
		}
	}

	return opts, checkConflicts(opts, seenUpdate)
}

func checkConflicts(opts *options, seenUpdate bool) error {
	if opts.help {
		return nil
	}
	if opts.info {
		if seenUpdate || opts.firmwarePath != "" || opts.configPath != "" || opts.clearOwnership {
			return rc.Err(rc.BadParameter, "-info conflicts with update options")
		}
		return nil
	}
	if opts.clearOwnership {
		if seenUpdate || opts.firmwarePath != "" || opts.configPath != "" {
			return rc.Err(rc.BadParameter, "-tpm12-clearownership conflicts with update options")
		}
		return nil
	}
	if !seenUpdate {
		return nil // bare invocation renders help
	}

	switch opts.updateType {
	case props.UpdateConfigFile:
		if opts.firmwarePath != "" {
			return rc.Err(rc.BadParameter, "-firmware conflicts with -update config-file")
		}
		if opts.configPath == "" {
			return rc.Err(rc.InvalidConfigOption, "-update config-file requires -config")
		}
	default:
		if opts.configPath != "" {
			return rc.Err(rc.BadParameter, "-config requires -update config-file")
		}
		if opts.firmwarePath == "" {
			return rc.Err(rc.InvalidFwOption, "-update requires -firmware")
		}
	}
	return nil
}
