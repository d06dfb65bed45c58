// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent's configuration.
//
// Configuration comes from one file, named by the --config flag or the
// TIDEMARK_CONFIG environment variable. The file is YAML; files ending
// in .json or .jsonc are accepted too, with comments and trailing
// commas stripped before parsing. Values missing from the file keep
// the defaults from Default, which reproduce the recorder's tuned
// thresholds. ${VAR} and ${VAR:-default} are expanded in paths.
//
// Byte sizes are written the way humans write them ("200KiB", "60 KB",
// or a plain integer byte count). Durations use Go syntax ("3s",
// "1m30s").
package config
