// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config decodes cc-profdb's optional JSON config file and
// validates it against an embedded JSON Schema before it is allowed to
// override any CLI default, the way the teacher's internal/config
// validates config.json against schema.json before touching
// ProgramConfig.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schema is the JSON Schema every config file is validated against before
// being decoded, grounded on internal/config/validate.go's
// jsonschema.CompileString("schema.json", schema) pattern.
const schema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"output": {"type": "string"},
		"metric": {"type": "string", "enum": ["thread", "sum", "stats"]},
		"title": {"type": "string"},
		"verbose": {"type": "boolean"},
		"quiet": {"type": "boolean"}
	}
}`

// Config is the subset of cliConfig a config file may default. CLI flags
// that were explicitly passed on the command line take precedence (see
// cmd/cc-profdb/cli.go's applyConfigDefaults).
type Config struct {
	Output  string `json:"output"`
	Metric  string `json:"metric"`
	Title   string `json:"title"`
	Verbose bool   `json:"verbose"`
	Quiet   bool   `json:"quiet"`
}

// Load reads, schema-validates, and decodes the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sch, err := jsonschema.CompileString("schema.json", schema)
	if err != nil {
		return nil, fmt.Errorf("config: compiling embedded schema: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: %s: invalid JSON: %w", path, err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, fmt.Errorf("config: %s: schema validation failed: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}
