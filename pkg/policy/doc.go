// Package policy gates scripts with Open Policy Agent (OPA) before they reach
// an isolation backend.
//
// # Architecture
//
// The package consists of three parts:
//
//  1. Engine - compiles Rego policies and evaluates them against a ScriptInput
//  2. Loader - loads policies from .rego/.json files and bundles, and hot-reloads them with fsnotify
//  3. Built-in policies - destructive commands, downloads piped into a shell,
//     and host-level removal without least privilege
//
// # Writing policies
//
// A policy is a Rego module that defines a deny set. Members are either
// strings or objects with "message", optional "severity" and optional "line":
//
//	package autoflow.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    some line in input.script.lines
//	    contains(line, "chmod 777")
//	    violation := {"message": "world-writable permissions", "severity": "error"}
//	}
//
// The input document is ScriptInput: script.path, script.name, script.extension,
// script.content, script.lines, workflow, step, operation, backend and
// least_privilege.
//
// Violations with severity error or critical make Result.Allowed false; the
// caller refuses to run the script. Everything else is reported as a warning.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//
//	info, err := policy.ReadScript("install.sh")
//	if err != nil {
//	    return err
//	}
//	result, err := engine.EvaluateScript(ctx, policy.ScriptInput{Script: info, Backend: "direct"})
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    return fmt.Errorf("script denied: %s", result.DenyReason())
//	}
package policy
