// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls tb.Skipf with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    model := testutil.RequireFileEnv(t, "ATTNBENCH_ORT_MODEL")
//	    ...
//	}
package testutil

import (
	"os"
	"testing"
)

// libraryCandidates are the system locations probed when no env var is set.
var libraryCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// ATTNBENCH_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "ATTNBENCH_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			if _, err := os.Stat(p); err == nil {
				return
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return
		}
	}

	for _, p := range libraryCandidates {
		if _, err := os.Stat(p); err == nil {
			return
		}
	}

	tb.Skipf("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or ATTNBENCH_ORT_LIB")
}

// RequireFileEnv skips the test unless env names an existing file, and
// returns that path.
func RequireFileEnv(tb testing.TB, env string) string {
	tb.Helper()

	p := os.Getenv(env)
	if p == "" {
		tb.Skipf("%s not set", env)
		return ""
	}

	if _, err := os.Stat(p); err != nil {
		tb.Skipf("%s=%q: %v", env, p, err)
		return ""
	}

	return p
}
