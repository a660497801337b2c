// Package testutil provides qemu-img helpers for interop tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"testing"
)

// QemuResult holds the result of a qemu-img invocation.
type QemuResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Crashed reports whether the process was terminated by a signal rather
// than exiting on its own. The fuzzer's whole point is that corrupted
// images must not crash the tool under test.
func (r QemuResult) Crashed() bool {
	return r.ExitCode == -1
}

// QemuCheckResult holds parsed output from qemu-img check.
type QemuCheckResult struct {
	QemuResult
	ImageEndOffset int64 `json:"image-end-offset"`
	TotalClusters  int64 `json:"total-clusters"`
	Corruptions    int   `json:"corruptions"`
	Leaks          int   `json:"leaks"`
}

// QemuImgPath resolves the qemu-img binary: the QEMU_IMG environment
// variable when set, otherwise "qemu-img" from PATH.
func QemuImgPath() string {
	if p := os.Getenv("QEMU_IMG"); p != "" {
		return p
	}
	return "qemu-img"
}

// RequireQemu skips the test if qemu-img is not available.
func RequireQemu(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(QemuImgPath()); err != nil {
		t.Skip("qemu-img not available, skipping interop test")
	}
}

// RunQemuImg runs a qemu-img command and returns the result.
func RunQemuImg(t *testing.T, args ...string) QemuResult {
	t.Helper()

	cmd := exec.Command(QemuImgPath(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := QemuResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// ExitCode is -1 when the process died on a signal.
			result.ExitCode = exitErr.ExitCode()
		} else {
			t.Logf("qemu-img error: %v", err)
			result.ExitCode = -1
		}
	}
	return result
}

// QemuCheck runs qemu-img check on an image file. Non-zero exit codes
// are expected for corrupted images and are not a test failure.
func QemuCheck(t *testing.T, path string) QemuCheckResult {
	t.Helper()
	RequireQemu(t)

	result := RunQemuImg(t, "check", "-f", "qcow2", "--output=json", path)

	checkResult := QemuCheckResult{QemuResult: result}
	if result.Stdout != "" {
		if err := json.Unmarshal([]byte(result.Stdout), &checkResult); err != nil {
			t.Logf("failed to parse qemu-img check JSON: %v", err)
		}
	}
	return checkResult
}

// QemuInfo runs qemu-img info on an image file.
func QemuInfo(t *testing.T, path string) QemuResult {
	t.Helper()
	RequireQemu(t)
	return RunQemuImg(t, "info", "--output=json", path)
}
