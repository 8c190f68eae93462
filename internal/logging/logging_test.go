// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	log, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug should be disabled by default")
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be enabled by default")
	}
}

// TestFileSinkWritesJSON exercises the rotating sink end to end: one entry
// must land in the named file as a JSON object.
func TestFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.log")
	log, err := New(Config{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello", zap.String("component", "test"))
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"component":"test"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}
