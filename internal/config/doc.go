// Package config loads the hearth YAML configuration. ${VAR} references
// are expanded from the environment before parsing, duration fields are
// parsed from their raw string form, and required fields are validated
// up front so a bad config fails at startup rather than at first use.
package config
