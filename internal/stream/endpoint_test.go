package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tesshucom/jpsonic-sub005/internal/decision"
	"github.com/tesshucom/jpsonic-sub005/internal/media"
	"github.com/tesshucom/jpsonic-sub005/internal/pipeline"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakeLibrary struct {
	items    map[string]media.Item
	children map[string][]media.Item
}

func (f *fakeLibrary) MediaItem(_ context.Context, id string) (media.Item, error) {
	it, ok := f.items[id]
	if !ok {
		return media.Item{}, media.ErrNotFound
	}
	return it, nil
}

func (f *fakeLibrary) MediaItemByPath(_ context.Context, path string) (media.Item, error) {
	for _, it := range f.items {
		if it.Path == path {
			return it, nil
		}
	}
	return media.Item{}, media.ErrNotFound
}

func (f *fakeLibrary) ChildrenOrPlaylistFiles(_ context.Context, id string) ([]media.Item, error) {
	c, ok := f.children[id]
	if !ok {
		return nil, media.ErrNotFound
	}
	return c, nil
}

type fakePlayers struct {
	queue []media.Item
}

func (f *fakePlayers) ResolvePlayer(_ context.Context, id string, u media.User) (media.Player, error) {
	if id == "" {
		id = "player-" + u.Name
	}
	if id == "ghost" {
		return media.Player{}, media.ErrNotFound
	}
	return media.Player{ID: id, Username: u.Name}, nil
}

func (f *fakePlayers) CurrentQueue(context.Context, media.Player) ([]media.Item, error) {
	return f.queue, nil
}

type fakeAuthorizer struct {
	fail          bool
	noStreamRole  bool
	deniedFolders map[string]bool
}

func (f *fakeAuthorizer) Authenticate(*http.Request) (media.User, error) {
	if f.fail {
		return media.User{}, errors.New("bad token")
	}
	return media.User{Name: "alice", StreamRole: !f.noStreamRole}, nil
}

func (f *fakeAuthorizer) CanStream(u media.User) bool { return u.StreamRole }

func (f *fakeAuthorizer) CanAccessFolder(_ context.Context, it media.Item, _ media.User) (bool, error) {
	return !f.deniedFolders[it.Folder], nil
}

type harness struct {
	t       *testing.T
	ep      *Endpoint
	tracker *transfer.Tracker
	lib     *fakeLibrary
	players *fakePlayers
	authz   *fakeAuthorizer
	dir     string

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, defs ...transcoding.Definition) *harness {
	t.Helper()
	reg, err := transcoding.NewRegistry(defs, nil)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		tracker: transfer.NewTracker(),
		lib:     &fakeLibrary{items: map[string]media.Item{}, children: map[string][]media.Item{}},
		players: &fakePlayers{},
		authz:   &fakeAuthorizer{deniedFolders: map[string]bool{}},
		dir:     t.TempDir(),
	}
	h.ep = New(Deps{
		Library:    h.lib,
		Players:    h.players,
		Authorizer: h.authz,
		Resolver:   decision.NewResolver(reg, nil),
		Opener: pipeline.NewOpener(func() pipeline.Settings {
			return pipeline.Settings{
				StartupTimeout: 5 * time.Second,
				KillGrace:      500 * time.Millisecond,
				HLSCommand:     transcoding.MustParseTemplate("cat %s"),
			}
		}),
		Tracker:  h.tracker,
		Settings: func() Settings { return Settings{BufferSize: 1024, VerboseLogging: true} },
	})
	h.ep.observe = func(s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func ptr[T any](v T) *T { return &v }

// addFile writes a file of n bytes and registers it as an item.
func (h *harness) addFile(id, format string, n int, mod func(*media.Item)) (media.Item, []byte) {
	h.t.Helper()
	content := make([]byte, n)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	path := filepath.Join(h.dir, id+"."+format)
	require.NoError(h.t, os.WriteFile(path, content, 0o600))
	it := media.Item{ID: id, Path: path, Format: format, Size: ptr(int64(n)), Kind: media.KindAudio}
	if mod != nil {
		mod(&it)
	}
	h.lib.items[id] = it
	return it, content
}

func (h *harness) do(method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ep.ServeHTTP(w, r)
	return w
}

func TestPassThroughFullBody(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 3200, func(it *media.Item) { it.Duration = ptr(10.0) })

	w := h.do(http.MethodGet, "/stream?id=1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3200", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "10.0", w.Header().Get("X-Content-Duration"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, content, w.Body.Bytes())
	assert.Zero(t, h.tracker.Len())
	assert.Equal(t, []State{StateAuthenticating, StateResolving, StateRangeComputed, StateStreaming, StateCompleted}, h.seen())
}

func TestPassThroughByteRange(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 3200, nil)

	w := h.do(http.MethodGet, "/stream?id=1", map[string]string{"Range": "bytes=320-639"})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 320-639/3200", w.Header().Get("Content-Range"))
	assert.Equal(t, "320", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, content[320:640], w.Body.Bytes())

	again := h.do(http.MethodGet, "/stream?id=1", map[string]string{"Range": "bytes=320-639"})
	assert.Equal(t, w.Body.Bytes(), again.Body.Bytes(), "same range, same bytes")
}

func TestPassThroughOpenEndedRange(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 3200, nil)

	w := h.do(http.MethodGet, "/stream?id=1", map[string]string{"Range": "bytes=3000-"})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 3000-3199/3200", w.Header().Get("Content-Range"))
	assert.Equal(t, "200", w.Header().Get("Content-Length"))
	assert.Equal(t, content[3000:], w.Body.Bytes())
}

func TestTimeOffsetBecomesRange(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 3300, func(it *media.Item) { it.Duration = ptr(10.0) })

	for _, param := range []string{"timeOffset=1", "offsetSeconds=1"} {
		w := h.do(http.MethodGet, "/stream?id=1&"+param, nil)
		assert.Equal(t, http.StatusPartialContent, w.Code, param)
		assert.Equal(t, "bytes 330-3299/3300", w.Header().Get("Content-Range"), param)
		assert.Equal(t, "2970", w.Header().Get("Content-Length"), param)
		assert.Equal(t, content[330:], w.Body.Bytes(), param)
	}
}

func TestMalformedRangeDegradesToFullBody(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 100, func(it *media.Item) { it.Duration = ptr(10.0) })

	for _, hdr := range []map[string]string{
		{"Range": "bytes=abc-"},
		{"Range": "items=0-10"},
		{"Range": "bytes=500-600"},
	} {
		w := h.do(http.MethodGet, "/stream?id=1&timeOffset=x", hdr)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "100", w.Header().Get("Content-Length"))
		assert.Equal(t, content, w.Body.Bytes())
	}
}

func TestUnknownSizeAndDuration(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 500, func(it *media.Item) { it.Size = nil })

	w := h.do(http.MethodGet, "/stream?id=1", map[string]string{"Range": "bytes=10-20"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Accept-Ranges"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Empty(t, w.Header().Get("X-Content-Duration"))
	assert.Equal(t, content, w.Body.Bytes())
}

func TestVideoNeverServesRanges(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("v", "mp4", 800, func(it *media.Item) { it.Kind = media.KindVideo })

	w := h.do(http.MethodGet, "/stream?id=v", map[string]string{"Range": "bytes=0-99"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "none", w.Header().Get("Accept-Ranges"))
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, content, w.Body.Bytes())
}

func TestTranscodedWithCeilingDoesNotDeclareLength(t *testing.T) {
	h := newHarness(t, transcoding.Definition{
		ID: 1, Name: "flac > mp3", SourceFormats: []string{"flac"}, TargetFormat: "mp3",
		Step1: "cat %s", DefaultActive: true,
	})
	_, content := h.addFile("f", "flac", 2048, func(it *media.Item) {
		it.BitRate = 955
		it.Duration = ptr(215.3)
	})

	w := h.do(http.MethodGet, "/stream?id=f&maxBitRate=320", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "none", w.Header().Get("Accept-Ranges"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Equal(t, "215.3", w.Header().Get("X-Content-Duration"))
	assert.Equal(t, content, w.Body.Bytes())
	assert.Zero(t, h.tracker.Len())
}

func TestTranscodedRangeAgainstComputedLength(t *testing.T) {
	h := newHarness(t, transcoding.Definition{
		ID: 1, Name: "cbr", SourceFormats: []string{"flac"}, TargetFormat: "mp3",
		Step1: `sh -c 'cat "$1"' sh %s %b`, DefaultActive: true,
	})
	_, content := h.addFile("f", "flac", 2048, func(it *media.Item) {
		it.BitRate = 955
		it.Duration = ptr(10.0)
	})

	// 10s at 320kbps
	w := h.do(http.MethodGet, "/stream?id=f&maxBitRate=320", map[string]string{"Range": "bytes=10-19"})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 10-19/400000", w.Header().Get("Content-Range"))
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Equal(t, content[10:20], w.Body.Bytes(), "leading bytes skipped without an offset placeholder")
}

func TestHLSUsesTransportStream(t *testing.T) {
	h := newHarness(t)
	_, content := h.addFile("1", "mp3", 64, nil)

	w := h.do(http.MethodGet, "/stream?id=1&hls=true", map[string]string{"Range": "bytes=0-9"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, decision.ContentTypeMPEGTS, w.Header().Get("Content-Type"))
	assert.Equal(t, "none", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, content, w.Body.Bytes())
}

func TestHeadShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.addFile("1", "mp3", 3200, nil)

	w := h.do(http.MethodHead, "/stream?id=1", map[string]string{"Range": "bytes=0-9"})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Zero(t, w.Body.Len())
	assert.NotContains(t, h.seen(), StateStreaming, "no transfer is registered")
}

func TestForbidden(t *testing.T) {
	for name, setup := range map[string]func(*harness){
		"bad credentials": func(h *harness) { h.authz.fail = true },
		"no stream role":  func(h *harness) { h.authz.noStreamRole = true },
		"folder denied":   func(h *harness) { h.authz.deniedFolders["/secret"] = true },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.addFile("1", "mp3", 10, func(it *media.Item) { it.Folder = "/secret" })
			setup(h)

			w := h.do(http.MethodGet, "/stream?id=1", nil)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Equal(t, StateAborted, h.seen()[len(h.seen())-1])
			assert.NotContains(t, h.seen(), StateStreaming)
		})
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t)
	for _, target := range []string{"/stream?id=missing", "/stream?playlist=missing", "/stream?path=/nope.mp3", "/stream?id=1&player=ghost"} {
		w := h.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, target)
	}
	w := h.do(http.MethodGet, "/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "empty queue")
	assert.Zero(t, h.tracker.Len())
}

func TestPipelineFailureBeforeHeaders(t *testing.T) {
	h := newHarness(t, transcoding.Definition{
		ID: 1, Name: "broken", SourceFormats: []string{"flac"}, TargetFormat: "mp3",
		Step1: `sh -c 'echo nope >&2; exit 1'`, DefaultActive: true,
	})
	h.addFile("f", "flac", 10, func(it *media.Item) { it.BitRate = 900 })

	w := h.do(http.MethodGet, "/stream?id=f&format=mp3", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Header().Get("Accept-Ranges"))
	assert.Zero(t, h.tracker.Len())
	assert.Equal(t, StateAborted, h.seen()[len(h.seen())-1])
}

func TestAlbumStreamsChildrenBackToBack(t *testing.T) {
	h := newHarness(t)
	a, ca := h.addFile("a", "mp3", 100, nil)
	b, _ := h.addFile("b", "mp3", 50, func(it *media.Item) { it.Folder = "/secret" })
	c, cc := h.addFile("c", "mp3", 70, nil)
	h.lib.items["album"] = media.Item{ID: "album", Kind: media.KindAlbum}
	h.lib.children["album"] = []media.Item{a, b, c}
	h.authz.deniedFolders["/secret"] = true

	w := h.do(http.MethodGet, "/stream?id=album", map[string]string{"Range": "bytes=0-9"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "none", w.Header().Get("Accept-Ranges"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Equal(t, append(append([]byte{}, ca...), cc...), w.Body.Bytes(), "inaccessible items are skipped")
	assert.Zero(t, h.tracker.Len())
}

func TestQueueAndPlaylistTargets(t *testing.T) {
	h := newHarness(t)
	a, ca := h.addFile("a", "mp3", 30, nil)
	b, cb := h.addFile("b", "mp3", 40, nil)
	h.players.queue = []media.Item{b, a}
	h.lib.children["pl"] = []media.Item{a, b}

	w := h.do(http.MethodGet, "/stream", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, append(append([]byte{}, cb...), ca...), w.Body.Bytes())

	w = h.do(http.MethodGet, "/stream?playlist=pl", nil)
	assert.Equal(t, append(append([]byte{}, ca...), cb...), w.Body.Bytes())
}

func TestPathTarget(t *testing.T) {
	h := newHarness(t)
	it, content := h.addFile("1", "mp3", 20, nil)

	w := h.do(http.MethodGet, "/stream?path="+it.Path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
}

// endless registers an item streamed through a never-ending transcoder.
func endless(t *testing.T) *harness {
	h := newHarness(t, transcoding.Definition{
		ID: 1, Name: "endless", SourceFormats: []string{"txt"}, TargetFormat: "out", Step1: "yes", DefaultActive: true,
	})
	h.addFile("y", "txt", 1, nil)
	return h
}

func serveAsync(h *harness, r *http.Request) (*httptest.ResponseRecorder, <-chan struct{}) {
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ep.ServeHTTP(w, r)
	}()
	return w, done
}

func waitStreaming(t *testing.T, h *harness) *transfer.Status {
	t.Helper()
	var st *transfer.Status
	require.Eventually(t, func() bool {
		all := h.tracker.All()
		if len(all) != 1 || all[0].BytesTransferred() == 0 {
			return false
		}
		st = all[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestTerminateStopsCopyLoop(t *testing.T) {
	h := endless(t)
	_, done := serveAsync(h, httptest.NewRequest(http.MethodGet, "/stream?id=y&format=out&player=p1", nil))

	st := waitStreaming(t, h)
	assert.Len(t, h.tracker.ActiveFor("p1"), 1)
	require.True(t, h.tracker.TerminateByID(st.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("copy loop did not stop after terminate")
	}
	assert.Zero(t, h.tracker.Len())
	assert.Empty(t, h.tracker.ActiveFor("p1"))
	assert.False(t, st.Active())
	assert.Equal(t, StateAborted, h.seen()[len(h.seen())-1])
}

func TestClientCancelReleasesTransfer(t *testing.T) {
	h := endless(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "/stream?id=y&format=out&player=p1", nil).WithContext(ctx)
	_, done := serveAsync(h, r)

	waitStreaming(t, h)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client cancel")
	}
	assert.Empty(t, h.tracker.ActiveFor("p1"))
}

func TestClientDisconnectOverNetwork(t *testing.T) {
	h := endless(t)
	srv := httptest.NewServer(h.ep)
	defer srv.Close()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	resp, err := client.Get(srv.URL + "/stream?id=y&format=out&player=p1")
	require.NoError(t, err)
	_, err = io.CopyN(io.Discard, resp.Body, 8192)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Eventually(t, func() bool { return h.tracker.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.tracker.ActiveFor("p1"))
}

func TestTerminateUnblocksStalledClientWrite(t *testing.T) {
	h := endless(t)
	srv := httptest.NewServer(h.ep)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetReadBuffer(4096)
	}
	_, err = io.WriteString(conn, "GET /stream?id=y&format=out&player=p1 HTTP/1.1\r\nHost: jpstream\r\n\r\n")
	require.NoError(t, err)

	// the client never reads, so the copy loop ends up blocked in Write
	st := waitStreaming(t, h)
	var last int64 = -1
	require.Eventually(t, func() bool {
		n := st.BytesTransferred()
		stalled := n == last
		last = n
		return stalled
	}, 10*time.Second, 300*time.Millisecond)

	require.True(t, h.tracker.TerminateByID(st.ID))
	require.Eventually(t, func() bool { return h.tracker.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, st.Active())
}

func TestParseRequest(t *testing.T) {
	for _, tc := range []struct {
		query string
		want  Request
	}{
		{"id=7&player=p&maxBitRate=192&format=mp3", Request{Target: media.ItemTarget("7"), PlayerID: "p", MaxBitRate: 192, Format: "mp3"}},
		{"id=7&maxBitRate=0", Request{Target: media.ItemTarget("7")}},
		{"id=7&maxBitRate=-5", Request{Target: media.ItemTarget("7")}},
		{"id=7&maxBitRate=abc", Request{Target: media.ItemTarget("7")}},
		{"playlist=3&path=/x", Request{Target: media.PlaylistTarget("3")}},
		{"path=/m/a.mp3", Request{Target: media.PathTarget("/m/a.mp3")}},
		{"", Request{Target: media.QueueTarget()}},
		{"id=1&timeOffset=12.5", Request{Target: media.ItemTarget("1"), Offset: "12.5", Video: media.VideoSettings{TimeOffset: 12.5}}},
		{"id=1&offsetSeconds=3", Request{Target: media.ItemTarget("1"), Offset: "3", Video: media.VideoSettings{TimeOffset: 3}}},
		{"id=1&timeOffset=zz", Request{Target: media.ItemTarget("1"), Offset: "zz"}},
		{"id=1&hls=true&size=320x240&duration=10", Request{Target: media.ItemTarget("1"), HLS: true, Video: media.VideoSettings{Width: 320, Height: 240, Duration: 10}}},
		{"id=1&hls=maybe&size=bad", Request{Target: media.ItemTarget("1")}},
	} {
		r := httptest.NewRequest(http.MethodGet, "/stream?"+tc.query, nil)
		assert.Equal(t, tc.want, ParseRequest(r), tc.query)
	}
}

func TestIsClientGone(t *testing.T) {
	assert.False(t, IsClientGone(nil))
	assert.True(t, IsClientGone(context.Canceled))
	assert.True(t, IsClientGone(io.ErrUnexpectedEOF))
	assert.True(t, IsClientGone(errors.New("write tcp 127.0.0.1:80: write: broken pipe")))
	assert.True(t, IsClientGone(errors.New("read: connection reset by peer")))
	assert.False(t, IsClientGone(errors.New("transcoder exited")))
	assert.False(t, IsClientGone(&pipeline.Error{Op: "transcode"}))
}

func TestWriteHeadersPolicy(t *testing.T) {
	size := int64(1000)
	p := decision.Decide(decision.Input{Item: media.Item{Format: "mp3", Size: &size}})
	h := http.Header{}
	status, n := writeHeaders(h, p, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, "1000", h.Get("Content-Length"))

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.NotContains(t, buf.String(), "Accept-Ranges")
}
