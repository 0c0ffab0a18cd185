package transcoding

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// Registry is the read-mostly store of transcoding rules. Every mutation builds a new
// snapshot and swaps it in whole, so a lookup never observes a half-applied change.
type Registry struct {
	mu  sync.Mutex // serialises writers
	cur atomic.Pointer[snapshot]
}

type snapshot struct {
	rules   []*Rule // ordered by ID
	byID    map[int]*Rule
	players map[string][]int
}

// NewRegistry compiles defs and the per-player activations.
func NewRegistry(defs []Definition, players map[string][]int) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(defs, players); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the whole rule set, as done on configuration reload.
func (r *Registry) Replace(defs []Definition, players map[string][]int) error {
	snap, err := build(defs, players)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cur.Store(snap)
	r.mu.Unlock()
	return nil
}

func build(defs []Definition, players map[string][]int) (*snapshot, error) {
	s := &snapshot{
		rules:   make([]*Rule, 0, len(defs)),
		byID:    make(map[int]*Rule, len(defs)),
		players: make(map[string][]int, len(players)),
	}
	for _, d := range defs {
		rule, err := Compile(d)
		if err != nil {
			return nil, err
		}
		if _, dup := s.byID[rule.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateRule, rule.ID)
		}
		s.byID[rule.ID] = rule
		s.rules = append(s.rules, rule)
	}
	slices.SortFunc(s.rules, func(a, b *Rule) int { return a.ID - b.ID })
	for player, ids := range players {
		for _, id := range ids {
			if _, ok := s.byID[id]; !ok {
				return nil, fmt.Errorf("%w: player %q references rule %d", ErrRuleNotFound, player, id)
			}
		}
		s.players[player] = slices.Clone(ids)
	}
	return s, nil
}

func (r *Registry) snap() *snapshot {
	if s := r.cur.Load(); s != nil {
		return s
	}
	return &snapshot{byID: map[int]*Rule{}, players: map[string][]int{}}
}

// RulesFor returns every rule accepting sourceFormat, ordered by ID.
func (r *Registry) RulesFor(sourceFormat string) []*Rule {
	var out []*Rule
	for _, rule := range r.snap().rules {
		if rule.Accepts(sourceFormat) {
			out = append(out, rule)
		}
	}
	return out
}

// RuleByTargetFormat returns the first rule converting sourceFormat into targetFormat.
func (r *Registry) RuleByTargetFormat(sourceFormat, targetFormat string) (*Rule, bool) {
	target := media.NormalizeFormat(targetFormat)
	for _, rule := range r.RulesFor(sourceFormat) {
		if rule.TargetFormat == target {
			return rule, true
		}
	}
	return nil, false
}

// ForPlayer returns the rules active for a player that accept sourceFormat. A player
// without explicit activations gets the rules marked DefaultActive.
func (r *Registry) ForPlayer(playerID, sourceFormat string) []*Rule {
	s := r.snap()
	ids, override := s.players[playerID]
	var out []*Rule
	for _, rule := range s.rules {
		if !rule.Accepts(sourceFormat) {
			continue
		}
		if override {
			if slices.Contains(ids, rule.ID) {
				out = append(out, rule)
			}
			continue
		}
		if rule.DefaultActive {
			out = append(out, rule)
		}
	}
	return out
}

// Get returns a rule by ID.
func (r *Registry) Get(id int) (*Rule, bool) {
	rule, ok := r.snap().byID[id]
	return rule, ok
}

// List returns the definitions of all rules, ordered by ID.
func (r *Registry) List() []Definition {
	s := r.snap()
	out := make([]Definition, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule.Definition())
	}
	return out
}

// PlayerRules returns a copy of the per-player activations.
func (r *Registry) PlayerRules() map[string][]int {
	return clonePlayers(r.snap().players)
}

func clonePlayers(in map[string][]int) map[string][]int {
	out := make(map[string][]int, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// Upsert adds or replaces a rule and returns the resulting definitions.
func (r *Registry) Upsert(d Definition) ([]Definition, error) {
	return r.mutate(func(defs []Definition, _ map[string][]int) ([]Definition, error) {
		for i := range defs {
			if defs[i].ID == d.ID {
				defs[i] = d
				return defs, nil
			}
		}
		return append(defs, d), nil
	})
}

// Delete removes a rule and any per-player activation referencing it.
func (r *Registry) Delete(id int) ([]Definition, error) {
	return r.mutate(func(defs []Definition, players map[string][]int) ([]Definition, error) {
		idx := slices.IndexFunc(defs, func(d Definition) bool { return d.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %d", ErrRuleNotFound, id)
		}
		for p, ids := range players {
			players[p] = slices.DeleteFunc(ids, func(v int) bool { return v == id })
		}
		return slices.Delete(defs, idx, idx+1), nil
	})
}

// SetPlayerRules replaces the activations of one player. A nil slice restores the defaults.
func (r *Registry) SetPlayerRules(playerID string, ids []int) error {
	_, err := r.mutate(func(defs []Definition, players map[string][]int) ([]Definition, error) {
		if ids == nil {
			delete(players, playerID)
		} else {
			players[playerID] = slices.Clone(ids)
		}
		return defs, nil
	})
	return err
}

func (r *Registry) mutate(fn func([]Definition, map[string][]int) ([]Definition, error)) ([]Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap()
	defs := make([]Definition, 0, len(cur.rules))
	for _, rule := range cur.rules {
		defs = append(defs, rule.Definition())
	}
	players := clonePlayers(cur.players)

	defs, err := fn(defs, players)
	if err != nil {
		return nil, err
	}
	next, err := build(defs, players)
	if err != nil {
		return nil, err
	}
	r.cur.Store(next)
	return slices.Clone(defs), nil
}
