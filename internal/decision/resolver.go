package decision

import (
	"github.com/tesshucom/jpsonic-sub005/internal/media"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
)

// RuleSource yields the rules active for a player that accept a source format.
type RuleSource interface {
	ForPlayer(playerID, sourceFormat string) []*transcoding.Rule
}

// Request carries the per-request constraints.
type Request struct {
	MaxBitRate int
	Format     string
	Video      media.VideoSettings
	HLS        bool
}

// Resolver binds Decide to the live rule registry and server defaults.
type Resolver struct {
	rules    RuleSource
	defaults func() Defaults
}

// NewResolver returns a Resolver. defaults is consulted on every call so reloaded
// settings take effect without rebuilding the resolver.
func NewResolver(rules RuleSource, defaults func() Defaults) *Resolver {
	if defaults == nil {
		defaults = func() Defaults { return Defaults{} }
	}
	return &Resolver{rules: rules, defaults: defaults}
}

// Resolve decides the delivery parameters for item played on player.
func (r *Resolver) Resolve(item media.Item, player media.Player, req Request) Parameters {
	var rules []*transcoding.Rule
	if r.rules != nil {
		rules = r.rules.ForPlayer(player.ID, item.Format)
	}
	return Decide(Input{
		Item:       item,
		Player:     player,
		MaxBitRate: req.MaxBitRate,
		Format:     req.Format,
		Video:      req.Video,
		HLS:        req.HLS,
		Rules:      rules,
		Defaults:   r.defaults(),
	})
}
