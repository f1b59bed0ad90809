package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of a resolution error.
type ErrorClass string

const (
	// ErrorClassSchema indicates an invalid fragment dimension or entity type
	// declaration. Raised at registration time, before any entity resolves.
	ErrorClassSchema ErrorClass = "schema"

	// ErrorClassDuplicateTarget indicates that expansion produced two targets
	// with the same canonical string.
	ErrorClassDuplicateTarget ErrorClass = "duplicate_target"

	// ErrorClassRuleInvocation indicates a configure rule returned an error or panicked.
	ErrorClassRuleInvocation ErrorClass = "rule_invocation"

	// ErrorClassLockedMutation indicates an identity property was written
	// while its entity was being resolved.
	ErrorClassLockedMutation ErrorClass = "locked_mutation"

	// ErrorClassInternal indicates a broken engine invariant or a misuse of
	// the engine by its caller, such as re-entrant resolution.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with resolution context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the name of the entity being resolved, if applicable.
	Entity string `json:"entity,omitempty"`

	// Target is the canonical target string, if applicable.
	Target string `json:"target,omitempty"`

	// Rule is the qualified rule name (Type.Signature), if applicable.
	Rule string `json:"rule,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)

	ctx := make([]string, 0, 3)
	if e.Entity != "" {
		ctx = append(ctx, "entity="+e.Entity)
	}
	if e.Target != "" {
		ctx = append(ctx, "target="+e.Target)
	}
	if e.Rule != "" {
		ctx = append(ctx, "rule="+e.Rule)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(ctx, ", "))
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewSchemaError creates a new schema error.
func NewSchemaError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSchema,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewRuleInvocationError creates a new rule invocation error.
func NewRuleInvocationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRuleInvocation,
		Message: message,
		Code:    ErrCodeRuleFailed,
		Err:     err,
	}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithEntity adds entity context to an error.
func (e *EngineError) WithEntity(entity string) *EngineError {
	e.Entity = entity
	return e
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(target string) *EngineError {
	e.Target = target
	return e
}

// WithRule adds rule context to an error.
func (e *EngineError) WithRule(rule string) *EngineError {
	e.Rule = rule
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// DuplicateTargetError describes two expanded targets that collide on their
// canonical string.
type DuplicateTargetError struct {
	// Target is the colliding canonical string.
	Target string

	// First and Second are the colliding targets in expansion order.
	First  Target
	Second Target

	// FirstSource and SecondSource are the declaration sites of the masks
	// that produced First and Second.
	FirstSource  string
	SecondSource string

	// Differences lists the dimensions on which First and Second differ.
	// Empty when two masks produced the very same target.
	Differences []string
}

// Error implements the error interface.
func (e *DuplicateTargetError) Error() string {
	msg := fmt.Sprintf("target string %q is present twice (declared at %s and %s)",
		e.Target, sourceOrUnknown(e.FirstSource), sourceOrUnknown(e.SecondSource))
	if len(e.Differences) == 0 {
		return msg + "; the targets are identical"
	}
	return msg + "; difference is: " + strings.Join(e.Differences, ", ")
}

// NewDuplicateTargetError wraps a DuplicateTargetError in an EngineError.
func NewDuplicateTargetError(dup *DuplicateTargetError) *EngineError {
	return &EngineError{
		Class:   ErrorClassDuplicateTarget,
		Message: "target expansion produced a duplicate target",
		Code:    ErrCodeDuplicateTarget,
		Target:  dup.Target,
		Err:     dup,
	}
}

// LockedMutationError is returned when an identity property of an entity is
// written while the entity is being resolved.
type LockedMutationError struct {
	// Property is the identity property that was written.
	Property string

	// Entity is the entity name.
	Entity string

	// Site is the file:line of the offending write.
	Site string
}

// Error implements the error interface.
func (e *LockedMutationError) Error() string {
	return fmt.Sprintf("cannot change property %q of entity %q during configuration (at %s)",
		e.Property, e.Entity, sourceOrUnknown(e.Site))
}

// NewLockedMutationError wraps a LockedMutationError in an EngineError.
func NewLockedMutationError(lm *LockedMutationError) *EngineError {
	return &EngineError{
		Class:   ErrorClassLockedMutation,
		Message: "identity property is locked",
		Code:    ErrCodeLockedProperty,
		Entity:  lm.Entity,
		Err:     lm,
	}
}

// IsSchemaError returns true if the error is classified as a schema error.
func IsSchemaError(err error) bool {
	return hasClass(err, ErrorClassSchema)
}

// IsDuplicateTarget returns true if the error is classified as a duplicate target.
func IsDuplicateTarget(err error) bool {
	return hasClass(err, ErrorClassDuplicateTarget)
}

// IsRuleInvocation returns true if the error is classified as a rule invocation failure.
func IsRuleInvocation(err error) bool {
	return hasClass(err, ErrorClassRuleInvocation)
}

// IsLockedMutation returns true if the error is classified as a locked mutation.
func IsLockedMutation(err error) bool {
	return hasClass(err, ErrorClassLockedMutation)
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	return hasClass(err, ErrorClassInternal)
}

// ClassOf returns the class of the outermost EngineError in err's chain,
// or an empty class if there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

func sourceOrUnknown(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}

// Common error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInvalidBitPattern    = "INVALID_BIT_PATTERN"
	ErrCodeDuplicateBitPattern  = "DUPLICATE_BIT_PATTERN"
	ErrCodeEmptyDimension       = "EMPTY_DIMENSION"
	ErrCodeDimensionConflict    = "DIMENSION_CONFLICT"
	ErrCodeRuleFilterMismatch   = "RULE_FILTER_MISMATCH"
	ErrCodeDuplicateTarget      = "DUPLICATE_TARGET"
	ErrCodeRuleFailed           = "RULE_FAILED"
	ErrCodeLockedProperty       = "LOCKED_PROPERTY"
	ErrCodeResolutionInProgress = "RESOLUTION_IN_PROGRESS"
	ErrCodeDependencyCycle      = "DEPENDENCY_CYCLE"
	ErrCodeInternal             = "INTERNAL_ERROR"
)
