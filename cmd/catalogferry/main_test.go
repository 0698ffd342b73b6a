package main

import (
	"context"
	"os"
	"testing"

	"github.com/masahif/catalogferry/internal/cmd"
)

func TestVersionVariables(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty string")
	}
	if BuildTime == "" {
		t.Error("BuildTime should not be empty string")
	}
}

// TestMainLogic runs the sequence main() does without the os.Exit path
func TestMainLogic(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	cmd.SetVersionInfo(Version, BuildTime)

	os.Args = []string{"catalogferry", "--help"}
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Errorf("cmd.ExecuteContext() with help should not return error, got: %v", err)
	}
}

func TestMainWithVersion(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	cmd.SetVersionInfo("1.0.0-test", "2026-01-01T10:00:00Z")

	os.Args = []string{"catalogferry", "--version"}
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Errorf("cmd.ExecuteContext() with version returned: %v", err)
	}
}
