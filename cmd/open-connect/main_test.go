package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEmitCommandError_StructuredForScopedCommands(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "open-connect worker",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(errors.New("boom"), "command failed", 1, &out)

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &payload); err != nil {
		t.Fatalf("json.Unmarshal() err = %v (output %q)", err, out.String())
	}
	if got := payload["app"]; got != "open-connect" {
		t.Fatalf("app = %v, want open-connect", got)
	}
	if got := payload["command"]; got != "open-connect worker" {
		t.Fatalf("command = %v, want %q", got, "open-connect worker")
	}
	if got := payload["exit_code"]; got != float64(1) {
		t.Fatalf("exit_code = %v, want 1", got)
	}
	if got := payload["error"]; got != "boom" {
		t.Fatalf("error = %v, want boom", got)
	}
}

func TestEmitCommandError_FallsBackToJSONWhenLoggingEnvInvalid(t *testing.T) {
	t.Setenv("LOG_FORMAT", "invalid")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "open-connect refresh",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(errors.New("boom"), "command failed", 1, &out)

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &payload); err != nil {
		t.Fatalf("expected JSON fallback log, got parse error: %v", err)
	}
}

func TestEmitCommandError_PlainOutput(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{CommandPath: "open-connect connectors"})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(errors.New("plain boom"), "command failed", 1, &out)
	if got := out.String(); got != "plain boom\n" {
		t.Fatalf("output = %q, want %q", got, "plain boom\n")
	}

	out.Reset()
	emitCommandError(context.Canceled, "command canceled", exitCodeCanceled, &out)
	if got := out.String(); got != "canceled\n" {
		t.Fatalf("output = %q, want %q", got, "canceled\n")
	}
}

func TestRunMain_ExitCodes(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{CommandPath: "open-connect refresh"})
	t.Cleanup(resetCommandExecutionContext)

	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantOutput bool
	}{
		{name: "success", err: nil, wantCode: 0},
		{name: "failure", err: errors.New("db down"), wantCode: 1, wantOutput: true},
		{name: "canceled", err: fmt.Errorf("refresh: %w", context.Canceled), wantCode: exitCodeCanceled, wantOutput: true},
		{name: "partial is silent", err: partialFailure("%d of %d connections were not refreshed", 1, 3), wantCode: exitCodePartial},
		{name: "loud exit error", err: &exitError{code: 4, err: errors.New("bad flag")}, wantCode: 4, wantOutput: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			code := runMain(func() error { return tt.err }, &out)
			if code != tt.wantCode {
				t.Fatalf("runMain() = %d, want %d", code, tt.wantCode)
			}
			if got := strings.TrimSpace(out.String()) != ""; got != tt.wantOutput {
				t.Fatalf("output = %q, want output %v", out.String(), tt.wantOutput)
			}
		})
	}
}
