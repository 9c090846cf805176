// Package config assembles the service configuration from built-in
// defaults, an optional YAML file, a .env file and LEANCHAT_* environment
// variables, then validates the result.
package config
