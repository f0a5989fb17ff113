package common

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOutputSplitterRoutesByLevel(t *testing.T) {
	cases := []struct {
		name       string
		line       string
		wantStderr bool
	}{
		{"error", `time="2026-01-01T00:00:00Z" level=error msg="gateway unreachable"`, true},
		{"info", `time="2026-01-01T00:00:00Z" level=info msg="block height advanced"`, false},
		{"errorSubstringInMessageOnly", `level=info msg="no error here"`, false},
	}

	splitter := &OutputSplitter{}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			stdout, err := os.Create(filepath.Join(dir, "stdout"))
			if err != nil {
				t.Fatal(err)
			}
			defer stdout.Close()
			stderr, err := os.Create(filepath.Join(dir, "stderr"))
			if err != nil {
				t.Fatal(err)
			}
			defer stderr.Close()

			origOut, origErr := os.Stdout, os.Stderr
			os.Stdout, os.Stderr = stdout, stderr
			n, err := splitter.Write([]byte(c.line))
			os.Stdout, os.Stderr = origOut, origErr

			if err != nil {
				t.Fatalf("Write(%q) returned error: %v", c.name, err)
			}
			if n != len(c.line) {
				t.Errorf("Write(%q) = %d bytes, want %d", c.name, n, len(c.line))
			}

			gotOut, _ := os.ReadFile(stdout.Name())
			gotErr, _ := os.ReadFile(stderr.Name())
			wantOut, wantErr := c.line, ""
			if c.wantStderr {
				wantOut, wantErr = "", c.line
			}
			if string(gotOut) != wantOut {
				t.Errorf("Write(%q) stdout = %q, want %q", c.name, gotOut, wantOut)
			}
			if string(gotErr) != wantErr {
				t.Errorf("Write(%q) stderr = %q, want %q", c.name, gotErr, wantErr)
			}
		})
	}
}

func TestNewLoggerUsesOutputSplitter(t *testing.T) {
	cfg := DefaultLoggerConfig()
	cfg.Service = "oipd"
	logger := NewLogger(cfg)

	if _, ok := logger.Out.(*OutputSplitter); !ok {
		t.Error("NewLogger should configure the OutputSplitter as output")
	}
}
