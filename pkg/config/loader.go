package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// DefaultPatterns are the description globs used when none are configured.
var DefaultPatterns = []string{"**/*.cue"}

// Loader discovers, parses and validates CUE description files.
type Loader struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
	logger         zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger used for discovery and parse diagnostics.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger.With().Str("component", "loader").Logger() }
}

// NewLoader creates a new description loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discover expands doublestar patterns relative to root and returns the
// matching files, sorted and deduplicated.
func (l *Loader) Discover(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var files []string

	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid source pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to expand pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			path := filepath.Join(root, filepath.FromSlash(m))
			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
		}
	}

	sort.Strings(files)
	l.logger.Debug().Int("files", len(files)).Strs("patterns", patterns).Msg("Discovered description files")
	return files, nil
}

// Load parses the given files and directories. Directories are searched with
// DefaultPatterns. Parse and validation problems are reported in
// Description.Errors; the returned error is reserved for I/O failures.
func (l *Loader) Load(ctx context.Context, sources []string) (*Description, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if info.IsDir() {
			found, err := l.Discover(source, DefaultPatterns)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
			continue
		}
		files = append(files, source)
	}

	var unified cue.Value
	var parseErrors []ValidationError
	for _, file := range files {
		val, errs := l.loadFile(file)
		if len(errs) > 0 {
			parseErrors = append(parseErrors, errs...)
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}

	desc := &Description{SourceFiles: files, ParsedAt: time.Now()}
	if len(parseErrors) > 0 {
		desc.Errors = parseErrors
		return desc, nil
	}
	if !unified.Exists() {
		desc.addError("", "no description files found")
		return desc, nil
	}

	if err := unified.Validate(); err != nil {
		desc.Errors = l.convertCUEErrors(err)
		return desc, nil
	}

	l.extract(ctx, unified, desc)
	l.logger.Debug().
		Int("fragments", len(desc.Fragments)).
		Int("types", len(desc.Types)).
		Int("entities", len(desc.Entities)).
		Int("errors", len(desc.Errors)).
		Msg("Loaded description")
	return desc, nil
}

// LoadInline parses inline CUE content.
func (l *Loader) LoadInline(ctx context.Context, content string) (*Description, error) {
	desc := &Description{SourceFiles: []string{"inline"}, ParsedAt: time.Now()}

	val := l.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Validate(); err != nil {
		desc.Errors = l.convertCUEErrors(err)
		return desc, nil
	}

	l.extract(ctx, val, desc)
	return desc, nil
}

func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := l.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, l.convertCUEErrors(err)
	}

	return val, nil
}

// extract decodes the four top-level sections and validates every
// declaration with struct tags and the built-in CUE definitions.
func (l *Loader) extract(ctx context.Context, val cue.Value, desc *Description) {
	if v := val.LookupPath(cue.ParsePath("fragments")); v.Exists() {
		desc.Fragments = make(map[string]FragmentDecl)
		l.eachField(v, "fragments", desc, func(name string, fv cue.Value) error {
			var decl FragmentDecl
			if err := fv.Decode(&decl); err != nil {
				return fmt.Errorf("failed to decode fragment: %w", err)
			}
			if err := l.check(ctx, "fragment", decl); err != nil {
				return err
			}
			desc.Fragments[name] = decl
			return nil
		})
	}

	if v := val.LookupPath(cue.ParsePath("schemas")); v.Exists() {
		var schemas map[string][]string
		if err := v.Decode(&schemas); err != nil {
			desc.addError("schemas", fmt.Sprintf("failed to decode schemas: %v", err))
		} else {
			for name, dims := range schemas {
				if len(dims) == 0 {
					desc.addError("schemas."+name, "schema lists no dimensions")
					delete(schemas, name)
				}
			}
			desc.Schemas = schemas
		}
	}

	if v := val.LookupPath(cue.ParsePath("types")); v.Exists() {
		desc.Types = make(map[string]TypeDecl)
		l.eachField(v, "types", desc, func(name string, fv cue.Value) error {
			var decl TypeDecl
			if err := fv.Decode(&decl); err != nil {
				return fmt.Errorf("failed to decode type: %w", err)
			}
			if err := l.check(ctx, "type", decl); err != nil {
				return err
			}
			desc.Types[name] = decl
			return nil
		})
	}

	if v := val.LookupPath(cue.ParsePath("entities")); v.Exists() {
		desc.Entities = make(map[string]EntityDecl)
		l.eachField(v, "entities", desc, func(name string, fv cue.Value) error {
			var decl EntityDecl
			if err := fv.Decode(&decl); err != nil {
				return fmt.Errorf("failed to decode entity: %w", err)
			}
			if err := l.check(ctx, "entity", decl); err != nil {
				return err
			}
			decl.TargetSources = targetSources(fv.LookupPath(cue.ParsePath("targets")), name)
			desc.Entities[name] = decl
			return nil
		})
	}
}

func (l *Loader) eachField(v cue.Value, section string, desc *Description, fn func(name string, fv cue.Value) error) {
	iter, err := v.Fields()
	if err != nil {
		desc.addError(section, fmt.Sprintf("failed to iterate %s: %v", section, err))
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		if err := fn(name, iter.Value()); err != nil {
			pos := iter.Value().Pos()
			desc.Errors = append(desc.Errors, ValidationError{
				File:     pos.Filename(),
				Line:     pos.Line(),
				Column:   pos.Column(),
				Path:     fmt.Sprintf("%s.%s", section, name),
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}
}

func (l *Loader) check(ctx context.Context, schema string, decl interface{}) error {
	if err := l.validator.Struct(decl); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return l.schemaRegistry.ValidateAgainstSchema(ctx, schema, decl)
}

// targetSources returns "file:line" for each element of an entity's targets
// list, so duplicate-target errors can point at the declaring mask.
func targetSources(list cue.Value, entity string) []string {
	if !list.Exists() {
		return nil
	}
	iter, err := list.List()
	if err != nil {
		return nil
	}

	var sources []string
	for i := 0; iter.Next(); i++ {
		pos := iter.Value().Pos()
		if pos.Filename() == "" {
			sources = append(sources, fmt.Sprintf("entities.%s.targets[%d]", entity, i))
			continue
		}
		sources = append(sources, fmt.Sprintf("%s:%d", filepath.Base(pos.Filename()), pos.Line()))
	}
	return sources
}

func (l *Loader) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// SchemaRegistry returns the schema registry.
func (l *Loader) SchemaRegistry() *SchemaRegistry {
	return l.schemaRegistry
}

// ExportJSON renders a description as indented JSON.
func ExportJSON(desc *Description) ([]byte, error) {
	return json.MarshalIndent(desc, "", "  ")
}
