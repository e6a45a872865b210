// Package schemas provides the embedded JSON Schema documents for conveyor
// configuration files.
package schemas

import _ "embed"

// PipelineV1Schema is the JSON Schema for conveyor.yaml (v1).
//
//go:embed pipeline.v1.json
var PipelineV1Schema []byte
