// Package config provides configuration loading and validation for the
// de-silence service. Configuration is YAML; every section validates itself and
// fields absent from the file keep their defaults.
package config
