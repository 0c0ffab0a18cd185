package library

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/tesshucom/jpsonic-sub005/internal/control/auth"
	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// AnonymousUser is the name streams without credentials run as.
const AnonymousUser = "anonymous"

var (
	ErrUnauthenticated = errors.New("no valid credentials")
	ErrOutsideNetwork  = errors.New("anonymous access outside allowed networks")
)

// AnonymousPolicy controls streaming without a token.
type AnonymousPolicy struct {
	Enabled      bool
	AllowedCIDRs []netip.Prefix // empty allows every address
}

// ParseCIDRs parses the configured network list. A bare address is a single-host prefix.
func ParseCIDRs(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		p, err := netip.ParsePrefix(c)
		if err != nil {
			addr, addrErr := netip.ParseAddr(c)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func (p AnonymousPolicy) allows(remoteAddr string) bool {
	if !p.Enabled {
		return false
	}
	if len(p.AllowedCIDRs) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.AllowedCIDRs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Access resolves users and players from requests and answers permission questions.
type Access struct {
	store     *Store
	anonymous func() AnonymousPolicy
}

// NewAccess reads the anonymous policy on every request so config reloads apply.
func NewAccess(store *Store, anonymous func() AnonymousPolicy) *Access {
	if anonymous == nil {
		anonymous = func() AnonymousPolicy { return AnonymousPolicy{} }
	}
	return &Access{store: store, anonymous: anonymous}
}

// Authenticate returns the user behind the request's token, or the anonymous user when
// no token is sent and the policy admits the client address.
func (a *Access) Authenticate(r *http.Request) (media.User, error) {
	if token := auth.ExtractToken(r); token != "" {
		u, err := a.store.UserByToken(r.Context(), token)
		if errors.Is(err, media.ErrNotFound) {
			return media.User{}, ErrUnauthenticated
		}
		return u, err
	}
	policy := a.anonymous()
	if !policy.Enabled {
		return media.User{}, ErrUnauthenticated
	}
	if !policy.allows(r.RemoteAddr) {
		return media.User{}, ErrOutsideNetwork
	}
	return media.User{Name: AnonymousUser, Anonymous: true, StreamRole: true}, nil
}

// CanStream reports whether the user holds the streaming role.
func (a *Access) CanStream(u media.User) bool {
	return u.StreamRole || u.Admin
}

// CanAccessFolder reports whether the user may read items of item's music folder.
// Items outside any folder are readable by everyone.
func (a *Access) CanAccessFolder(ctx context.Context, item media.Item, u media.User) (bool, error) {
	if item.Folder == "" || u.Admin {
		return true, nil
	}
	return a.store.HasFolderAccess(ctx, u.Name, item.Folder)
}

// ResolvePlayer returns the named player, or the user's first player when id is empty.
// Users without a registered player get a transient one with transcoding off.
func (a *Access) ResolvePlayer(ctx context.Context, id string, u media.User) (media.Player, error) {
	if id != "" {
		p, err := a.store.Player(ctx, id)
		if err != nil {
			return media.Player{}, err
		}
		if p.Username != u.Name && !u.Admin {
			return media.Player{}, fmt.Errorf("%w: player %q", media.ErrNotFound, id)
		}
		return p, nil
	}
	p, err := a.store.PlayerForUser(ctx, u.Name)
	if errors.Is(err, media.ErrNotFound) {
		return media.Player{ID: u.Name, Username: u.Name}, nil
	}
	return p, err
}

// CurrentQueue returns the player's queue from its current position.
func (a *Access) CurrentQueue(ctx context.Context, p media.Player) ([]media.Item, error) {
	return a.store.Queue(ctx, p.ID)
}
