package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// schemaSource constrains the shape of the YAML configuration before it is
// decoded into Go structs. Semantic checks that need parsed values (positive
// durations, loki url presence) live in Config.Validate.
const schemaSource = `
max_channels?: int & >0 & <=1024
workers?:      int & >0 & <=256
poll_interval?: string

logging?: {
	level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	format?: "json" | "text"
	loki?: {
		enabled?: bool
		url?:     string
		labels?: {[string]: string}
	}
}

telemetry?: {
	enabled?:  bool
	provider?: "prometheus" | "noop"
}

status?: {
	enabled?: bool
	listen?:  string
}

control?: {
	driver?:   string
	settings?: _
}

source?: {
	driver?:   string
	settings?: _
}
`

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
)

func schema() cue.Value {
	schemaOnce.Do(func() {
		schemaValue = cuecontext.New().CompileString(schemaSource)
	})
	return schemaValue
}

func validateSchema(data []byte) error {
	sv := schema()
	if err := sv.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	value := sv.Context().BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("build config value: %w", err)
	}
	if err := sv.Unify(value).Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}
