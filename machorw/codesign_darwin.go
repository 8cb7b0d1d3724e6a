// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package machorw

import (
	"os/exec"
	"strings"

	"binpack.dev/binpack/injector"
)

// verifySigningTool runs the system codesign tool in strict mode on
// the rewritten file. The tool is invoked with an explicit argument
// vector and its combined output is captured into the error.
func verifySigningTool(path string) error {
	out, err := exec.Command("codesign", "--verify", "--strict", path).CombinedOutput()
	if err != nil {
		return &injector.SignatureError{
			Path:   path,
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	return nil
}
