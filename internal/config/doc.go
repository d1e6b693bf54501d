// Package config loads, validates and hot-reloads the recorder's YAML
// configuration.
package config
