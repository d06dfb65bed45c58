// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the agent's zap logger.
//
// Production writes JSON to stderr for whatever collects the host's
// logs. Anything else writes zap's development console format, with
// colored levels only when stderr is a terminal so that redirected
// output stays free of escape codes.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Production is the environment name that selects JSON output.
const Production = "production"

// Config selects the output format and minimum level.
type Config struct {
	// Environment is "production" or anything else.
	Environment string

	// Level is a zap level name: debug, info, warn, error. Empty
	// means info.
	Level string
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	var config zap.Config
	if cfg.Environment == Production {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		if term.IsTerminal(int(os.Stderr.Fd())) {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	config.Level = atomicLevel

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return config.Build(zap.AddCaller())
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
