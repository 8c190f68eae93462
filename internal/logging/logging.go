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

// Package logging builds the process logger. Binaries construct one
// *zap.Logger here and hand it down explicitly; nothing in the repo logs
// through a global.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding, and the optional rotating file sink.
type Config struct {
	// Level is a zap level name ("debug", "info", ...). Empty means info.
	Level string
	// Console switches to the human-readable encoder; default is JSON.
	Console bool
	// File, when set, adds a size-rotated file sink alongside stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the logger. The returned logger writes to stderr, plus the
// rotating file when cfg.File is set.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var enc zapcore.Encoder
	if cfg.Console {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}

	sink := zapcore.Lock(os.Stderr)
	core := zapcore.NewCore(enc, sink, level)
	if cfg.File != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		core = zapcore.NewTee(core, zapcore.NewCore(enc, rotated, level))
	}

	return zap.New(core, zap.AddCaller()), nil
}
