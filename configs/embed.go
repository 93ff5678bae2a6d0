package configs

import _ "embed"

// DefaultConfig is written to the user's config path on first run.
//
//go:embed default.yaml
var DefaultConfig []byte
