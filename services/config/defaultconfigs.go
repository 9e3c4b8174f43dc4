package config

// embeddedConfigs holds the built-in per-device YAML configuration, keyed
// by device id. Populate at build time (e.g. via code generation) or
// during development; production deployments are expected to override
// Lookup with something reading from disk or a remote config service.
var embeddedConfigs = map[string][]byte{
	"default": []byte(defaultYAML),
}

const defaultYAML = `
heartbeat:
  interval_seconds: 2
`
