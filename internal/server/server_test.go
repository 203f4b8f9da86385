package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/devproxy/internal/upgrade"
)

type upgradeEvent struct {
	path string
	head []byte
}

func TestServer_PlainRequestsUsePrimaryHandler(t *testing.T) {
	s := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "primary")
	}))
	s.SetUpgradeHandler(upgrade.HandlerFunc(func(*http.Request, net.Conn, []byte) {
		t.Error("upgrade handler called for plain request")
	}))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, "primary", rec.Body.String())
}

func TestServer_UpgradeGoesToSlotWithHead(t *testing.T) {
	events := make(chan upgradeEvent, 1)
	s := New(nil)
	s.SetUpgradeHandler(upgrade.HandlerFunc(func(r *http.Request, conn net.Conn, head []byte) {
		events <- upgradeEvent{path: r.URL.Path, head: head}
		_, _ = io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: test\r\nConnection: Upgrade\r\n\r\n")
		_ = conn.Close()
	}))
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Request and first frame bytes in one write, so the server buffers them.
	_, err = fmt.Fprintf(conn, "GET /ws/chat HTTP/1.1\r\nHost: x\r\nConnection: keep-alive, Upgrade\r\nUpgrade: test\r\n\r\nhello")
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, res.StatusCode)

	select {
	case ev := <-events:
		assert.Equal(t, "/ws/chat", ev.path)
		assert.Equal(t, "hello", string(ev.head))
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade handler not called")
	}
}

func TestServer_DefaultSlotRejects(t *testing.T) {
	ts := httptest.NewServer(New(nil))
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /nope HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServer_SetNilRestoresReject(t *testing.T) {
	s := New(nil)
	s.SetUpgradeHandler(upgrade.HandlerFunc(func(*http.Request, net.Conn, []byte) {}))
	s.SetUpgradeHandler(nil)
	assert.NotNil(t, s.UpgradeHandler())
}

func TestServer_NotHijackable(t *testing.T) {
	s := New(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsUpgrade(r))

	r.Header.Set("Upgrade", "websocket")
	assert.False(t, IsUpgrade(r), "Upgrade without Connection token")

	r.Header.Set("Connection", "keep-alive, UPGRADE")
	assert.True(t, IsUpgrade(r))
}
