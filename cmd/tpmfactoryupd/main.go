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

// TPMFactoryUpd updates the firmware of Infineon TPM1.2 and TPM2.0 chips
// in the field.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/infineon/tpmfactoryupd/config"
	"github.com/infineon/tpmfactoryupd/fwupdate"
	"github.com/infineon/tpmfactoryupd/props"
	"github.com/infineon/tpmfactoryupd/rc"
	"github.com/infineon/tpmfactoryupd/tpmio"
)

// toolSettingsFile is the optional settings file looked up next to the
// working directory.
const toolSettingsFile = "TPMFactoryUpd.cfg"

const defaultLogPath = "./TPMFactoryUpd.log"

// maxLogPathLen bounds the -log payload.
const maxLogPathLen = 260

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TPMFactoryUpd: %v\n", err)
		return int(rc.CodeOf(err))
	}
	if opts.help || (!opts.info && !opts.clearOwnership && opts.updateType == props.UpdateNone) {
		printHelp()
		return 0
	}

	bag := props.New()
	if _, statErr := os.Stat(toolSettingsFile); statErr == nil {
		if err := config.ParseToolSettings(toolSettingsFile, bag); err != nil {
			fmt.Fprintf(os.Stderr, "TPMFactoryUpd: %v\n", err)
			return int(rc.CodeOf(err))
		}
	}

	if err := setupLogging(opts, bag); err != nil {
		fmt.Fprintf(os.Stderr, "TPMFactoryUpd: %v\n", err)
		return int(rc.CodeOf(err))
	}

	channel := tpmio.New(channelConfig(opts, bag))
	if err := channel.Connect(); err != nil {
		renderError(err, opts)
		return int(rc.CodeOf(err))
	}
	defer func() {
		if err := channel.Disconnect(); err != nil {
			logrus.WithError(err).Warn("disconnect failed")
		}
	}()

	engine := fwupdate.New(channel, bag)
	engine.Progress = renderProgress

	err = dispatch(engine, opts, bag)
	if err != nil {
		renderError(err, opts)
		return int(rc.CodeOf(err))
	}
	return 0
}

func dispatch(engine *fwupdate.Engine, opts *options, bag *props.Bag) error {
	switch {
	case opts.info:
		state, err := engine.Info()
		if err != nil {
			return err
		}
		renderState(state)
		return nil

	case opts.clearOwnership:
		if err := engine.ClearOwnership(); err != nil {
			return err
		}
		fmt.Println("TPM1.2 ownership cleared successfully.")
		return nil

	default:
		req := &fwupdate.UpdateRequest{
			UpdateType:          opts.updateType,
			FirmwarePath:        opts.firmwarePath,
			ConfigPath:          opts.configPath,
			DryRun:              opts.dryRun,
			IgnoreCompleteError: opts.ignoreCompleteError,
		}
		res, err := engine.Update(req)
		if err != nil {
			return err
		}
		if res.ReturnCode != rc.Success {
			renderResult(res)
			return rc.Err(res.ReturnCode, "%s", res.ErrorDetails)
		}
		fmt.Println()
		fmt.Println("TPM firmware update completed successfully.")
		if res.NewFirmwareVersion != "" {
			fmt.Printf("New firmware version: %s\n", res.NewFirmwareVersion)
		}
		return nil
	}
}

func channelConfig(opts *options, bag *props.Bag) tpmio.Config {
	cfg := tpmio.Config{Mode: tpmio.ModeDriver, Path: tpmio.DefaultDevicePath}
	if mode, ok := bag.GetUint(props.TpmDeviceAccessMode); ok {
		cfg.Mode = tpmio.Mode(mode)
	}
	if opts.accessMode != 0 {
		cfg.Mode = tpmio.Mode(opts.accessMode)
	}
	if opts.accessPath != "" {
		cfg.Path = opts.accessPath
	}
	if loc, ok := bag.GetUint(props.Locality); ok {
		cfg.Locality = uint8(loc)
	}
	return cfg
}

// setupLogging routes the structured log to the -log file; without -log
// the log is discarded and the user only sees the rendered output.
func setupLogging(opts *options, bag *props.Bag) error {
	logrus.SetOutput(io.Discard)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if lvl, ok := bag.GetUint(props.LoggingLevel); ok && lvl >= 4 {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	if !opts.logEnabled {
		return nil
	}
	path := opts.logPath
	if path == "" {
		if p, ok := bag.GetString(props.LoggingPath); ok {
			path = p
		} else {
			path = defaultLogPath
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// A log file that cannot be opened is cosmetic: report and go on.
		fmt.Fprintf(os.Stderr, "TPMFactoryUpd: cannot open log file %s: %v\n", path, err)
		return nil
	}
	logrus.SetOutput(f)
	opts.logFileInUse = path
	return nil
}
