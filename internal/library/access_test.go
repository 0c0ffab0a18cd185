package library

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

func TestAccess_Authenticate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertUser(ctx, media.User{Name: "alice", StreamRole: true}, "alice-token"))

	cidrs, err := ParseCIDRs([]string{"192.168.0.0/16"})
	require.NoError(t, err)
	policy := AnonymousPolicy{}
	a := NewAccess(s, func() AnonymousPolicy { return policy })

	r := httptest.NewRequest(http.MethodGet, "/stream?t=alice-token", nil)
	u, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.True(t, a.CanStream(u))

	r = httptest.NewRequest(http.MethodGet, "/stream", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r = httptest.NewRequest(http.MethodGet, "/stream", nil)
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthenticated, "anonymous disabled")

	policy = AnonymousPolicy{Enabled: true, AllowedCIDRs: cidrs}
	r.RemoteAddr = "192.168.1.20:5000"
	u, err = a.Authenticate(r)
	require.NoError(t, err)
	assert.True(t, u.Anonymous)

	r.RemoteAddr = "10.0.0.1:5000"
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrOutsideNetwork)

	r.RemoteAddr = "[::ffff:192.168.3.4]:5000"
	_, err = a.Authenticate(r)
	assert.NoError(t, err, "v4-mapped addresses match v4 prefixes")
}

func TestAccess_CanAccessFolder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.GrantFolder(ctx, "alice", "/music"))
	require.NoError(t, s.GrantFolder(ctx, "*", "/public"))
	a := NewAccess(s, nil)

	alice := media.User{Name: "alice", StreamRole: true}
	bob := media.User{Name: "bob", StreamRole: true}

	for _, tc := range []struct {
		user   media.User
		folder string
		want   bool
	}{
		{alice, "/music", true},
		{bob, "/music", false},
		{bob, "/public", true},
		{bob, "", true},
		{media.User{Name: "root", Admin: true}, "/private", true},
	} {
		ok, err := a.CanAccessFolder(ctx, media.Item{Folder: tc.folder}, tc.user)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "%s on %q", tc.user.Name, tc.folder)
	}
	assert.False(t, a.CanStream(media.User{Name: "mute"}))
}

func TestAccess_ResolvePlayer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertPlayer(ctx, media.Player{ID: "p1", Username: "alice"}))
	a := NewAccess(s, nil)
	alice := media.User{Name: "alice"}

	p, err := a.ResolvePlayer(ctx, "p1", alice)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	p, err = a.ResolvePlayer(ctx, "", alice)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID, "first player of the user")

	_, err = a.ResolvePlayer(ctx, "p1", media.User{Name: "bob"})
	assert.ErrorIs(t, err, media.ErrNotFound, "foreign players are hidden")

	p, err = a.ResolvePlayer(ctx, "", media.User{Name: "bob"})
	require.NoError(t, err)
	assert.Equal(t, media.Player{ID: "bob", Username: "bob"}, p)

	_, err = a.ResolvePlayer(ctx, "ghost", alice)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestParseCIDRs(t *testing.T) {
	got, err := ParseCIDRs([]string{"10.1.2.3/8", " 127.0.0.1 ", "::1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "127.0.0.1/32", got[1].String())
	assert.Equal(t, "::1/128", got[2].String())

	_, err = ParseCIDRs([]string{"not-a-net"})
	assert.Error(t, err)
}
