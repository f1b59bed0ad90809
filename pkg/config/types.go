package config

import (
	"strconv"
	"time"
)

// Description is the decoded content of all description files of a workspace.
type Description struct {
	// Fragments declares the fragment dimensions, keyed by dimension name.
	Fragments map[string]FragmentDecl `json:"fragments,omitempty" validate:"dive"`

	// Schemas maps a schema name to its ordered list of dimensions.
	Schemas map[string][]string `json:"schemas,omitempty" validate:"dive,min=1,dive,required"`

	// Types declares entity types, keyed by type name.
	Types map[string]TypeDecl `json:"types,omitempty" validate:"dive"`

	// Entities declares the configurable entities, keyed by entity name.
	Entities map[string]EntityDecl `json:"entities,omitempty" validate:"dive"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files,omitempty"`

	// ParsedAt is when the description was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any parse or validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// FragmentDecl declares one fragment dimension.
type FragmentDecl struct {
	Members []MemberDecl `json:"members" validate:"required,min=1,dive"`
}

// MemberDecl declares one member of a fragment dimension.
type MemberDecl struct {
	Name string `json:"name" validate:"required"`

	// Bits is the member's bit pattern. Plain members must use a single bit.
	Bits uint64 `json:"bits" validate:"required"`

	// Composite marks a multi-bit alias such as visual_studio = vs2017|vs2019.
	Composite bool `json:"composite,omitempty"`

	// Tolerant allows the bit pattern to be shared with another member.
	Tolerant bool `json:"tolerant,omitempty"`
}

// TypeDecl declares an entity type and its configure rules.
type TypeDecl struct {
	// Parent is the name of the base type, empty for a root type.
	Parent string `json:"parent,omitempty"`

	// Identity lists identity properties beyond name and output.
	Identity []string `json:"identity,omitempty" validate:"dive,required"`

	// Rules are declared in source order.
	Rules []RuleDecl `json:"rules,omitempty" validate:"dive"`
}

// RuleDecl declares one configure rule with a Starlark body.
type RuleDecl struct {
	Name string `json:"name" validate:"required"`

	// Priority is nil when omitted, in which case an override inherits the
	// base rule's priority.
	Priority *int `json:"priority,omitempty"`

	// Filter lists fragment values such as "platform.win32|win64". All must
	// match for the rule to run.
	Filter []string `json:"filter,omitempty" validate:"dive,required,contains=."`

	// Script defines configure(conf, target, entity).
	Script string `json:"script" validate:"required"`
}

// EntityDecl declares one configurable entity.
type EntityDecl struct {
	Type   string `json:"type" validate:"required"`
	Schema string `json:"schema" validate:"required"`

	// Targets lists target masks. Each maps a dimension to "*" (every
	// member), "none" (unset) or members joined by "|".
	Targets []map[string]string `json:"targets,omitempty"`

	// Exclude lists masks removed from the expansion.
	Exclude []map[string]string `json:"exclude,omitempty"`

	// Restrict lists fragment values that bound every mask, as "dim.a|b".
	Restrict []string `json:"restrict,omitempty" validate:"dive,required,contains=."`

	// Identity sets identity properties before resolution.
	Identity map[string]interface{} `json:"identity,omitempty"`

	// TargetSources holds the file:line of each Targets entry.
	TargetSources []string `json:"-"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "entities.core.type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements error.
func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc += ":" + strconv.Itoa(e.Line)
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// HasErrors reports whether any error-severity entry was recorded.
func (d *Description) HasErrors() bool {
	for _, e := range d.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

func (d *Description) addError(path, msg string) {
	d.Errors = append(d.Errors, ValidationError{
		Path:     path,
		Message:  msg,
		Severity: "error",
	})
}
