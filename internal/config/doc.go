// Package config loads the orchestrator configuration from YAML or JSON files,
// fills in defaults relative to the config directory and applies OPENMCP_*
// environment overrides, optionally sourced from a .env file.
package config
