// Package configs holds configuration templates embedded at build time,
// so `siftd config init` works identically for source builds and binary
// releases.
package configs

import _ "embed"

// ConfigTemplate is the annotated template written by `siftd config init`.
// Every field mirrors internal/config.Config with its default value.
//
//go:embed siftd.example.yaml
var ConfigTemplate string
