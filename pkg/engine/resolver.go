package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// OrderPolicy selects how rules declared by the same type are ordered.
type OrderPolicy int

const (
	// DeclarationOrder orders rules by their declaration rank in the root
	// declaring type. This is the default and is fully deterministic.
	DeclarationOrder OrderPolicy = iota

	// DiscoveryOrder orders rules in the order they are discovered while
	// walking the hierarchy. Discovery iterates a map, so the order within a
	// type is not deterministic across runs.
	DiscoveryOrder
)

// String returns the policy name.
func (p OrderPolicy) String() string {
	switch p {
	case DeclarationOrder:
		return "declaration"
	case DiscoveryOrder:
		return "discovery"
	default:
		return fmt.Sprintf("OrderPolicy(%d)", int(p))
	}
}

// ReorderHook may permute the rules sharing one priority. It must return a
// permutation of bucket.
type ReorderHook func(leaf *EntityType, priority int, bucket []*ConfigureRule) []*ConfigureRule

// RuleSet is the ordered list of rules visible on a leaf type.
type RuleSet struct {
	Type  *EntityType
	Rules []*ConfigureRule
}

// Priorities returns the distinct priorities of the set in ascending order.
func (s *RuleSet) Priorities() []int {
	out := make([]int, 0)
	for i, r := range s.Rules {
		if i == 0 || r.Priority != s.Rules[i-1].Priority {
			out = append(out, r.Priority)
		}
	}
	return out
}

// ForTarget returns the rules that apply to a target, keeping order.
func (s *RuleSet) ForTarget(t Target) []*ConfigureRule {
	return FilterForTarget(s.Rules, t)
}

// FilterForTarget keeps the rules whose filters the target satisfies.
func FilterForTarget(rules []*ConfigureRule, t Target) []*ConfigureRule {
	out := make([]*ConfigureRule, 0, len(rules))
	for _, r := range rules {
		if r.Matches(t) {
			out = append(out, r)
		}
	}
	return out
}

// RuleResolver discovers and orders the configure rules of entity types.
// Results are cached per leaf type; concurrent first requests for one type
// compute it once.
type RuleResolver struct {
	policy OrderPolicy
	hook   ReorderHook
	logger zerolog.Logger

	cache sync.Map
	group singleflight.Group
}

// ResolverOption configures a RuleResolver.
type ResolverOption func(*RuleResolver)

// WithOrderPolicy sets the intra-type ordering policy.
func WithOrderPolicy(p OrderPolicy) ResolverOption {
	return func(r *RuleResolver) { r.policy = p }
}

// WithReorderHook installs a per-priority reorder hook.
func WithReorderHook(h ReorderHook) ResolverOption {
	return func(r *RuleResolver) { r.hook = h }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(l zerolog.Logger) ResolverOption {
	return func(r *RuleResolver) { r.logger = l }
}

// NewRuleResolver creates a rule resolver.
func NewRuleResolver(opts ...ResolverOption) *RuleResolver {
	r := &RuleResolver{
		policy: DeclarationOrder,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the ordered rules visible on leaf.
func (r *RuleResolver) Resolve(leaf *EntityType) (*RuleSet, error) {
	if leaf == nil {
		return nil, NewInternalError("cannot resolve rules of a nil entity type", nil)
	}
	if cached, ok := r.cache.Load(leaf); ok {
		return cached.(*RuleSet), nil
	}

	key := fmt.Sprintf("%s@%p", leaf.name, leaf)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if cached, ok := r.cache.Load(leaf); ok {
			return cached, nil
		}
		set, err := r.compute(leaf)
		if err != nil {
			return nil, err
		}
		r.cache.Store(leaf, set)
		r.logger.Debug().
			Str("type", leaf.name).
			Int("rules", len(set.Rules)).
			Msg("Resolved configure rules")
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuleSet), nil
}

// CachedTypes returns the number of leaf types with a cached rule set.
func (r *RuleResolver) CachedTypes() int {
	n := 0
	r.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// compute performs discovery, root attribution, ordering and bucketing.
func (r *RuleResolver) compute(leaf *EntityType) (*RuleSet, error) {
	chain := leaf.Chain()
	depth := make(map[*EntityType]int, len(chain))
	for i, t := range chain {
		depth[t] = i
	}

	// Walk leaf to root; the first declaration seen is the most-derived one.
	type found struct {
		decl     RuleDecl
		declType *EntityType
	}
	visible := make(map[string]found)
	signatures := make([]string, 0)
	for i := len(chain) - 1; i >= 0; i-- {
		t := chain[i]
		for _, d := range t.decls {
			if _, ok := visible[d.Name]; ok {
				continue
			}
			visible[d.Name] = found{decl: d, declType: t}
			signatures = append(signatures, d.Name)
		}
	}

	if r.policy == DiscoveryOrder {
		signatures = signatures[:0]
		for sig := range visible {
			signatures = append(signatures, sig)
		}
	}

	rules := make([]*ConfigureRule, 0, len(visible))
	for pos, sig := range signatures {
		f := visible[sig]
		if f.declType == nil {
			return nil, NewInternalError(fmt.Sprintf("rule %q has no declaring type", sig), nil).
				WithDetail("type", leaf.name)
		}

		var root *EntityType
		for _, t := range chain {
			if t.Declares(sig) {
				root = t
				break
			}
		}
		if root == nil {
			return nil, NewInternalError(fmt.Sprintf("rule %q has no root declaring type", sig), nil).
				WithDetail("type", leaf.name)
		}

		rank := root.declIdx[sig]
		if r.policy == DiscoveryOrder {
			rank = pos
		}

		rules = append(rules, &ConfigureRule{
			Signature:     sig,
			DeclaringType: f.declType,
			RootType:      root,
			Priority:      f.decl.priority,
			Filter:        f.decl.Filter(),
			Rank:          rank,
			Body:          f.decl.Body,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		di, dj := depth[rules[i].RootType], depth[rules[j].RootType]
		if di != dj {
			return di < dj
		}
		return rules[i].Rank < rules[j].Rank
	})

	ordered, err := r.bucket(leaf, rules)
	if err != nil {
		return nil, err
	}
	return &RuleSet{Type: leaf, Rules: ordered}, nil
}

// bucket groups rules by ascending priority, keeping the given order within
// a priority, and applies the reorder hook to each bucket.
func (r *RuleResolver) bucket(leaf *EntityType, rules []*ConfigureRule) ([]*ConfigureRule, error) {
	buckets := make(map[int][]*ConfigureRule)
	priorities := make([]int, 0)
	for _, rule := range rules {
		if _, ok := buckets[rule.Priority]; !ok {
			priorities = append(priorities, rule.Priority)
		}
		buckets[rule.Priority] = append(buckets[rule.Priority], rule)
	}
	sort.Ints(priorities)

	out := make([]*ConfigureRule, 0, len(rules))
	for _, p := range priorities {
		b := buckets[p]
		if r.hook != nil {
			in := make([]*ConfigureRule, len(b))
			copy(in, b)
			reordered := r.hook(leaf, p, in)
			if !isPermutation(b, reordered) {
				return nil, NewInternalError(
					fmt.Sprintf("reorder hook returned a non-permutation for priority %d", p), nil,
				).WithDetail("type", leaf.name)
			}
			b = reordered
		}
		out = append(out, b...)
	}
	return out, nil
}

func isPermutation(a, b []*ConfigureRule) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[*ConfigureRule]int, len(a))
	for _, r := range a {
		count[r]++
	}
	for _, r := range b {
		count[r]--
		if count[r] < 0 {
			return false
		}
	}
	return true
}
