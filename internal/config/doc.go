// Package config handles configuration loading for flowchat.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	service:
//	  api_key: "${FLOWCHAT_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	service:
//	  short_timeout: "60s"
//	  long_timeout: "180s"
//	retry:
//	  backoff_base: "1s"
//	  backoff_cap: "10s"
//
// # Configuration Sections
//
// Remote workflow service:
//
//	service:
//	  base_url: "https://api.example.com/v1"
//	  api_key: "${FLOWCHAT_API_KEY}"
//	  short_timeout: "60s"   # no workflow in progress
//	  long_timeout: "180s"   # workflow with nodes underway
//
// Retry budget:
//
//	retry:
//	  enabled: true
//	  max_attempts: 3
//	  backoff_base: "1s"
//	  backoff_cap: "10s"
//
// Local state:
//
//	state:
//	  path: "~/.local/share/flowchat/state.db"
//	  usage_path: "~/.local/share/flowchat/usage.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
