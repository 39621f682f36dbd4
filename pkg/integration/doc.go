// Package integration runs integration definitions, named sets of script
// steps such as install, verify and remove, on top of the workflow executor.
//
// A Definition becomes a workflow graph with one node per step and a
// "rollback" sink that follows every step and runs even when they fail.
// Each step handler passes its script through the policy gate, runs it on
// an isolation backend and records the changes the script reports. When the
// last executor attempt of a step fails, the recovery coordinator decides
// whether to retry the step, roll back the recorded changes, continue or
// abort. The Pipeline is the coordinator's orchestrator for its own runs.
//
// Usage:
//
//	registry := isolation.NewDefaultRegistry(logger)
//	pipeline := integration.NewPipeline(registry, logger,
//		integration.WithPolicy(engine),
//		integration.WithStore(store),
//	)
//
//	def, err := integration.StandardDefinition(integration.OperationInstall, "install.sh", "verify.sh")
//	if err != nil {
//		return err
//	}
//	report, err := pipeline.Run(ctx, def)
package integration
