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
	"fmt"
	"os"

	"github.com/infineon/tpmfactoryupd/fwupdate"
	"github.com/infineon/tpmfactoryupd/rc"
)

func printHelp() {
	fmt.Print(`TPMFactoryUpd - Infineon TPM firmware update tool

Usage: TPMFactoryUpd [options]

  -help | -?                  Show this help
  -info                       Show information about the detected TPM
  -update <type>              Run a firmware update; type is one of
                              tpm12-PP, tpm12-takeownership,
                              tpm20-emptyplatformauth, config-file
  -firmware <path>            Firmware image to install
  -config <path>              Update configuration file (config-file type)
  -log [<path>]               Write a log file (default ./TPMFactoryUpd.log)
  -tpm12-clearownership       Clear the TPM1.2 ownership the tool took
  -access-mode <1|3> [<path>] TPM access: 1 memory based, 3 device driver
                              (default driver, /dev/tpm0)
  -dry-run                    Do not transfer any data to the TPM
  -ignore-error-on-complete   Treat a TPM_FAIL from the final update
                              command as success
`)
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func renderState(s *fwupdate.TpmState) {
	fmt.Println()
	fmt.Println("       TPM information:")
	fmt.Println("       ----------------")
	if !s.IsInfineon {
		fmt.Println("       No Infineon TPM detected.")
		return
	}
	switch {
	case s.IsBootLoader:
		fmt.Println("       Firmware state        : boot loader (interrupted update)")
	case s.Is12:
		fmt.Println("       TPM family            : 1.2")
		fmt.Printf("       TPM owner set         : %s\n", yesNo(s.Is12Owned))
		fmt.Printf("       Deferred PP set       : %s\n", yesNo(s.HasDeferredPP))
	case s.Is20:
		fmt.Println("       TPM family            : 2.0")
		fmt.Printf("       Failure mode          : %s\n", yesNo(s.Is20InFailureMode))
		fmt.Printf("       Restart required      : %s\n", yesNo(s.Is20RestartRequired))
		fmt.Printf("       Platform auth empty   : %s\n", yesNo(s.PlatformAuthEmpty))
		fmt.Printf("       Platform hierarchy    : enabled=%s\n", yesNo(s.PlatformHierarchyEnabled))
	default:
		fmt.Println("       The detected chip is not supported.")
		return
	}
	fmt.Printf("       Firmware version      : %s\n", s.FirmwareVersion)
	fmt.Printf("       Remaining updates     : %d\n", s.RemainingUpdates)
}

func renderProgress(percent uint32) {
	fmt.Printf("\r       Updating firmware: %3d%%", percent)
	if percent >= 100 {
		fmt.Println()
	}
}

func renderResult(res *fwupdate.UpdateResult) {
	fmt.Println()
	fmt.Printf("       Error code : 0x%08X\n", uint32(res.ReturnCode))
	if res.ErrorDetails != "" {
		fmt.Printf("       Details    : %s\n", res.ErrorDetails)
	}
}

func renderError(err error, opts *options) {
	code := rc.CodeOf(err)
	fmt.Fprintf(os.Stderr, "\nTPMFactoryUpd error 0x%08X: %v\n", uint32(code), err)
	if opts.logFileInUse != "" {
		fmt.Fprintf(os.Stderr, "See %s for details.\n", opts.logFileInUse)
	}
}
