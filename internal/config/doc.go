// Package config builds the observer's single configuration value at startup.
// Values are merged with the precedence defaults < config file (YAML or JSON)
// < NETS_* environment variables, after which unset artifact paths are
// resolved once against a fixed list of conventional locations. Components
// receive the resulting *Config and never consult the environment themselves.
package config
