package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func serverConn(t *testing.T) *ws.Conn {
	t.Helper()
	accepted := make(chan *ws.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- conn
	}))
	t.Cleanup(srv.Close)
	peer, _, err := ws.DefaultDialer.Dial(`ws`+strings.TrimPrefix(srv.URL, `http`), nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return <-accepted
}

// close is reachable from the write pump, the hub loop and the read
// loop at once; racing callers must never double-close the quit
// channel.
func TestClientCloseConcurrent(t *testing.T) {
	for i := 0; i < 20; i++ {
		cl := &client{
			id:     `dash-test`,
			conn:   serverConn(t),
			output: make(chan []byte, clientQueue),
			quit:   make(chan struct{}),
		}
		go cl.writePump()

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cl.close()
			}()
		}
		wg.Wait()

		select {
		case <-cl.quit:
		default:
			t.Fatal(`quit still open after close`)
		}
	}
}
