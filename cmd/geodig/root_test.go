package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/geokit-dev/geodig/pkg/runner"
)

func executeCmd(args ...string) error {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestFlagValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing input", []string{}, "--input is required"},
		{"zero workers", []string{"--input", "t.txt", "--workers", "0"}, "--workers out of range"},
		{"too many workers", []string{"--input", "t.txt", "--workers", "99"}, "--workers out of range"},
		{"zero chunk size", []string{"--input", "t.txt", "--chunk-size", "0"}, "--chunk-size must be at least 1"},
		{"negative qps", []string{"--input", "t.txt", "--qps", "-1"}, "--qps must not be negative"},
		{"bad log level", []string{"--input", "t.txt", "--log-level", "loud"}, "--log-level must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executeCmd(tt.args...)
			if err == nil {
				t.Fatal("Execute() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Execute() error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no error", nil, exitOK},
		{"config exit error", &exitError{code: exitConfig, err: errors.New("bad")}, exitConfig},
		{"abort exit error", &exitError{code: exitAborted, err: errors.New("sink")}, exitAborted},
		{"interrupt exit error", &exitError{code: exitInterrupt, err: errors.New("stopped")}, exitInterrupt},
		{"wrapped exit error", fmt.Errorf("run: %w", &exitError{code: exitInterrupt, err: errors.New("stopped")}), exitInterrupt},
		{"plain flag error", errors.New("unknown flag"), exitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := &runner.ConfigError{Field: "worker count", Reason: "must be positive"}
	err := &exitError{code: exitConfig, err: inner}

	var cfgErr *runner.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatal("errors.As() = false, want unwrapped ConfigError")
	}
	if !strings.Contains(err.Error(), "worker count") {
		t.Errorf("Error() = %q, want the wrapped message", err.Error())
	}
}
