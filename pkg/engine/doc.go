// Package engine implements the target fragment algebra and configuration
// resolution engine of froyomake.
//
// # Overview
//
// A build description declares entities (projects, solutions, ...) that must
// be generated for many points of a configuration space: platform, toolchain,
// optimization level and so on. The engine turns each entity into one frozen
// Configuration per point. Resolution runs in four stages:
//
//  1. Fragments - Declare and validate the dimensions (FragmentRegistry)
//  2. Targets - Expand masks into concrete targets (TargetExpander)
//  3. Rules - Discover and order configure rules (RuleResolver)
//  4. Resolve - Run the rules per target under a lock (ResolutionEngine)
//
// # Fragments
//
// A Dimension is an enumeration whose members carry bit patterns. Plain
// members must have exactly one bit set and distinct patterns. Composite
// members group several bits and never appear in expanded targets.
// Duplicate-tolerant members may alias another member's pattern.
//
//	registry := engine.NewFragmentRegistry()
//	registry.MustRegister(
//	    engine.NewDimension("platform",
//	        engine.Single("win64", 1),
//	        engine.Single("linux", 2),
//	    ),
//	    engine.NewDimension("optimization",
//	        engine.Single("debug", 1),
//	        engine.Single("release", 2),
//	    ),
//	)
//
// # Targets
//
// A TargetMask fixes some dimensions and leaves the others open. Expanding a
// TargetSpace unions the cartesian products of its masks, removes excluded
// targets and fails with a duplicate target error if two targets share a
// canonical string such as "win64_release".
//
// # Rules
//
// Entity types form a single-inheritance hierarchy. Each type declares
// configure rules with an optional priority and filter; a derived type
// overrides a rule by declaring the same name. The resolved order is total:
// priority ascending, then the rule's root declaring type from most-base to
// most-derived, then declaration rank in that type.
//
// # Resolution
//
// ResolutionEngine.Resolve locks the entity's identity properties, runs the
// applicable rules for every target, freezes the configurations and
// publishes them only if every rule succeeded.
//
// # Error Classification
//
// Errors are EngineErrors classified as:
//
//   - Schema: invalid dimensions, types or declarations
//   - DuplicateTarget: two targets share a canonical string
//   - RuleInvocation: a rule returned an error or panicked
//   - LockedMutation: an identity property was written mid-resolution
//   - Internal: a broken engine invariant
//
// Typed payloads (DuplicateTargetError, LockedMutationError) are reachable
// with errors.As.
//
// # Thread Safety
//
// Registries and the rule cache are safe for concurrent use. A single entity
// is resolved by one goroutine at a time; ParallelScheduler resolves
// independent entities concurrently.
package engine
