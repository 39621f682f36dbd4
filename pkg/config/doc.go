// Package config loads the autoflow application configuration and evaluates
// Starlark workflow definitions.
//
// # Application configuration
//
// AppConfig is read from YAML on top of Default() and validated with struct
// tags. Load resolves the path from its argument, then $AUTOFLOW_CONFIG, then
// ./autoflow.yaml. Unknown keys are rejected.
//
//	executor:
//	  max_concurrent_tasks: 5
//	recovery:
//	  max_retries: 3
//	  default_strategy: rollback
//	isolation:
//	  default_backend: docker
//	  least_privilege: true
//	  timeout: 10m
//	  docker:
//	    image: alpine:3
//	store:
//	  path: /var/lib/autoflow/history.db
//	policy:
//	  enabled: true
//	  paths: [/etc/autoflow/policies]
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// # Workflow definitions
//
// DefinitionLoader evaluates a .star file with two builtins, step() and
// workflow(), and returns the declared integration.Definition. Evaluation is
// bounded by a timeout and print() output is discarded.
//
//	loader := config.NewDefinitionLoader(0)
//	def, err := loader.LoadFile(ctx, "agent.star", map[string]interface{}{"version": "1.2.3"})
package config
