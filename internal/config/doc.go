// Package config provides configuration management for agentd.
//
// Configuration is loaded from config.yaml in a single directory. The
// default directory is ~/.config/agentd; agentd serve accepts
// --config-path to point elsewhere. A missing config.yaml is not an
// error: every setting has a default.
//
// # Configuration File
//
//	controller:
//	  workers: 3
//	  maxRetries: 5
//	  initialBackoff: 1s
//	  maxBackoff: 5m
//	  resyncInterval: 5m
//	  reconcileTimeout: 30s
//	  cacheSyncTimeout: 2m
//	  maxQueueDepth: 1000
//	source:
//	  mode: kubernetes        # kubernetes, filesystem or memory
//	  namespace: ""           # kubernetes: restrict to one tenant namespace
//	  path: /var/lib/agentd   # filesystem: <path>/<tenant>/<agent>.yaml
//	  debounceInterval: 500ms
//	platform:
//	  kind: kubernetes        # kubernetes or simulator
//	  namespacePrefix: tenant-
//	server:
//	  address: :8080
//	logging:
//	  level: info
//	  format: text            # text or json
//
// Durations use Go syntax ("90s", "5m"). Command-line flags override file
// values; Validate should be called after overrides are applied.
package config
