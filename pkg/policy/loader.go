package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// policyFiles matches the files a policy directory contributes.
const policyFiles = "**/*.{rego,json}"

// reloadDebounce is the quiet period after a change before policies reload.
const reloadDebounce = 500 * time.Millisecond

// cachedPolicy is a parsed file and the modification time it was parsed at.
type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
}

// Loader reads policies from .rego files, JSON definitions, directories and
// bundles. Parsed files are cached until they change on disk.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads the policies under each path. A path may be a policy
// file or a directory searched recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		out = append(out, policies...)
	}

	l.logger.Debug().
		Int("policies", len(out)).
		Int("paths", len(paths)).
		Msg("Policies loaded")

	return out, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory loads every policy file below dir in lexical order.
// Files that fail to parse are logged and skipped.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), policyFiles, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", dir, err)
	}
	sort.Strings(matches)

	policies := make([]Policy, 0, len(matches))
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			continue
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

// loadFromFile parses one policy file, reusing the cached result while the
// file is unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	entry, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = l.parseRegoFile(path, data)
	case ".json":
		if p, err = parseJSONPolicy(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: not a .rego or .json policy", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// parseRegoFile builds a policy named after the file. The leading comment
// block supplies the description and directives.
func (l *Loader) parseRegoFile(path string, data []byte) *Policy {
	src := string(data)
	description, severity, tags := l.extractHeader(src)
	now := time.Now()

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        src,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseJSONPolicy decodes a JSON policy definition and fills defaults.
func parseJSONPolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return &p, nil
}

// extractHeader reads the leading comment block of a .rego file. Lines of
// the form "# severity: error" and "# tags: a, b" are directives; the rest
// form the description.
func (l *Loader) extractHeader(content string) (string, Severity, []string) {
	severity := SeverityWarning
	tags := []string{}
	var words []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)

		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			if sev := Severity(strings.TrimSpace(v)); sev.Valid() {
				severity = sev
			} else {
				l.logger.Warn().Str("severity", string(sev)).Msg("Ignoring unknown policy severity")
			}
			continue
		}
		if v, ok := strings.CutPrefix(comment, "tags:"); ok {
			for _, tag := range strings.Split(v, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					tags = append(tags, tag)
				}
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}

	return strings.Join(words, " "), severity, tags
}

// LoadBundle reads a JSON bundle. Every policy is tagged with the bundle
// name in its metadata.
func (l *Loader) LoadBundle(_ context.Context, path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle %s: %w", path, err)
	}
	if b.Name == "" {
		return nil, fmt.Errorf("bundle %s has no name", path)
	}

	for i := range b.Policies {
		p := &b.Policies[i]
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["bundle"] = b.Name
	}

	l.logger.Info().
		Str("bundle", b.Name).
		Str("version", b.Version).
		Int("policies", len(b.Policies)).
		Msg("Policy bundle loaded")

	return &b, nil
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, removed or renamed, and passes them to reloadFn. Watching stops
// when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := l.watchPath(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Not watching policy path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Debug().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// watchPath watches a file, or a directory and all its subdirectories.
func (l *Loader) watchPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return l.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// StopWatching stops a watch started by Watch.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

// ClearCache drops every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}
