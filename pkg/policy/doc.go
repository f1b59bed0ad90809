// Package policy checks resolved configurations against Open Policy Agent
// (OPA) Rego policies.
//
// After a batch resolution every published configuration is turned into a
// policy input and evaluated by each enabled policy. Policies report
// findings through two partial set rules:
//
//   - deny: findings with the policy's default severity (or the severity
//     carried by the finding). error and critical findings disallow the run.
//   - warn: findings that default to warning severity.
//
// # Input
//
// Policies see the following document as input:
//
//	{
//	  "entity":        {"name": "core", "type": "Library", "identity": {"guid": "8f14e45f"}},
//	  "target":        {"name": "win64_release", "fragments": {"platform": "win64", "optimization": "release"}},
//	  "configuration": {"defines": ["BASE", "_WINDOWS"], "output_dir": "bin/win64"},
//	  "dependencies":  [{"entity": "zlib", "type": "public", "settings": "default"}],
//	  "context":       {"workspace": "demo", "run_id": "...", "operation": "resolve"}
//	}
//
// Values published with Engine.SetData are visible as data.<key>.
//
// # Findings
//
// A finding is either a string (the message) or an object:
//
//	deny contains {
//	    "message": "output_dir must live under bin/",
//	    "severity": "error",
//	    "rule": "output-root",
//	    "remediation": "set output_dir in the Defaults rule",
//	    "details": {"property": "output_dir"},
//	} if {
//	    not startswith(input.configuration.output_dir, "bin/")
//	}
//
// # Built-in Policies
//
//  1. self-dependency - a configuration depends on its own entity (error)
//  2. duplicate-dependency - the same dependency is listed twice
//  3. property-naming - property names must be lowercase snake_case
//  4. release-defines - release targets defining DEBUG or _DEBUG
//
// # Loading
//
// Policies are loaded from .rego files, JSON policy files and JSON bundles.
// The leading comment block of a .rego file is its description, and may
// carry "# severity: <level>" and "# tags: a, b" directives. The loader can
// watch policy directories and hand reloaded policies to
// Engine.ReplacePolicies.
package policy
