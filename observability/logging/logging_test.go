package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("sale created", "token_id", "7")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug line to be filtered, got %d lines", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["message"] != "sale created" || entry["severity"] != "INFO" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", entry)
	}
}

func TestSetupWithFileWritesRotatingLog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "saled.log")
	logger, closer := SetupWithOptions(Options{Service: "saled", Env: "test", File: path, MaxSizeMB: 1})
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(contents), `"service":"saled"`) || !strings.Contains(string(contents), `"env":"test"`) {
		t.Fatalf("unexpected log contents %s", contents)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}

func TestMaskFieldAndURL(t *testing.T) {
	if got := MaskField("signer_key", "abcd").Value.String(); got != RedactedValue {
		t.Fatalf("signer_key must be masked, got %q", got)
	}
	if got := MaskField("tx_hash", "0x01").Value.String(); got != "0x01" {
		t.Fatalf("tx_hash must pass through, got %q", got)
	}
	cases := map[string]string{
		"https://mainnet.infura.io/v3/secretkey": "https://mainnet.infura.io/" + RedactedValue,
		"http://localhost:8545":                  "http://localhost:8545",
		"https://user:pw@rpc.example.org":        "https://rpc.example.org/" + RedactedValue,
		"not a url":                              RedactedValue,
		"":                                       "",
	}
	for in, want := range cases {
		if got := MaskURL(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
