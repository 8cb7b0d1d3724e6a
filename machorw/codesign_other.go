// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

//go:build !darwin

package machorw

// verifySigningTool is a no-op away from darwin: the in-process
// page-hash verification has already run, and there is no system
// codesign tool to consult.
func verifySigningTool(string) error {
	return nil
}
