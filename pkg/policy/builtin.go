package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		selfDependencyPolicy(),
		duplicateDependencyPolicy(),
		propertyNamingPolicy(),
		releaseDefinesPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, src string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		Rego:        src,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// selfDependencyPolicy rejects configurations that depend on their own entity.
func selfDependencyPolicy() Policy {
	return builtin("self-dependency",
		"Rejects configurations that declare a dependency on their own entity",
		SeverityError,
		[]string{"dependencies"},
		`package froyomake.policies.selfdependency

import rego.v1

deny contains violation if {
	some dep in input.dependencies
	dep.entity == input.entity.name
	violation := {
		"message": sprintf("%s/%s depends on itself", [input.entity.name, input.target.name]),
		"remediation": "remove the dependency from the rule that adds it",
	}
}
`)
}

// duplicateDependencyPolicy warns when the same entity is added more than once.
func duplicateDependencyPolicy() Policy {
	return builtin("duplicate-dependency",
		"Warns when a configuration lists the same dependency more than once",
		SeverityWarning,
		[]string{"dependencies"},
		`package froyomake.policies.duplicatedependency

import rego.v1

deny contains violation if {
	some name in {dep.entity | some dep in input.dependencies}
	count([dep | some dep in input.dependencies; dep.entity == name]) > 1
	violation := {
		"message": sprintf("%s/%s lists dependency %s more than once", [input.entity.name, input.target.name, name]),
		"details": {"dependency": name},
	}
}
`)
}

// propertyNamingPolicy enforces lowercase snake_case property names.
func propertyNamingPolicy() Policy {
	return builtin("property-naming",
		"Property names must be lowercase snake_case",
		SeverityWarning,
		[]string{"naming", "conventions"},
		`package froyomake.policies.naming

import rego.v1

deny contains violation if {
	some key, _ in input.configuration
	not regex.match("^[a-z][a-z0-9_]*$", key)
	violation := {
		"message": sprintf("property '%s' of %s/%s must be lowercase snake_case", [key, input.entity.name, input.target.name]),
		"details": {"property": key},
	}
}
`)
}

// releaseDefinesPolicy warns when a release target still defines debug macros.
func releaseDefinesPolicy() Policy {
	return builtin("release-defines",
		"Release targets should not define debug macros",
		SeverityWarning,
		[]string{"defines", "optimization"},
		`package froyomake.policies.releasedefines

import rego.v1

debug_defines := {"DEBUG", "_DEBUG"}

release if {
	some _, member in input.target.fragments
	member == "release"
}

warn contains violation if {
	release
	some define in input.configuration.defines
	define in debug_defines
	violation := {
		"message": sprintf("%s/%s is a release target but defines %s", [input.entity.name, input.target.name, define]),
		"details": {"define": define},
	}
}
`)
}
