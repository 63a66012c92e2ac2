// Package config loads the Dockyard server configuration.
//
// Configuration is read from a single YAML file named by the --config flag or
// the DOCKYARD_CONFIG environment variable. There is no discovery: when
// neither is set, or the file does not exist, the defaults are used.
//
// A handful of environment variables override file values so a container
// image can be pointed at a database or listen address without a file:
//
//	DOCKYARD_LOG_LEVEL   telemetry.logging.level
//	DOCKYARD_DB_PATH     database.path
//	DOCKYARD_HTTP_ADDR   http.addr
//
// Durations use Go syntax ("90s", "15m").
//
//	database:
//	  path: /var/lib/dockyard/dockyard.db
//	lifecycle:
//	  deploy_timeout: 10m
//	  deploy_deadline: 15m
//	policy:
//	  allowed_registries: [docker.io, ghcr.io]
//	telemetry:
//	  logging:
//	    level: debug
//
// Watch reloads the file when it changes. Only settings that can change
// without a restart are applied by the server; today that is the log level
// and the loaded policy files.
package config
