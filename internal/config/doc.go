// Package config handles configuration loading for coven-concierge.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable expansion.
// Missing optional values get defaults and the result is validated before use.
//
// # Configuration File
//
// Default location:
//
//  1. Path from CONCIERGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/concierge.yaml (falls back to ~/.config)
//
// # Environment Variable Expansion
//
//	redis:
//	  password: "${CONCIERGE_REDIS_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8090"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "/var/lib/coven/concierge.db"
//
//	redis:                       # optional cross-process customer lock
//	  enabled: false
//	  addr: "localhost:6379"
//	  lock_ttl: "30s"
//
//	nats:                        # optional event fan-out
//	  enabled: false
//	  url: "nats://localhost:4222"
//	  subject_prefix: "concierge.events"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	tracing:
//	  enabled: false
//	  endpoint: "localhost:4318"
//	  sample_ratio: 1.0
//
//	engine:
//	  commit_max_attempts: 5
//	  commit_backoff: "10ms"
//	  dedupe_ttl: "10m"
//
//	queue:
//	  sweep_interval: "30s"
//
//	workspaces:
//	  - id: "acme"
//	    flow: "flows/acme.yaml"     # relative to this file
//	    lease_duration: "5m"
//	    max_locks_per_operator: 1
//	    escalation:
//	      completeness: "double(size(ctx)) / 4.0"
//	      threshold: 0.5
//	      min_turns: 3
//	      inactivity_timeout: "30m"
//	    rate_limit:
//	      requests_per_second: 50
//	      burst: 100
//
// Durations use time.ParseDuration syntax and must not be negative.
package config
