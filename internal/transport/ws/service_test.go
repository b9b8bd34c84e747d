package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taisrelay/internal/relay"
	"taisrelay/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *relay.Engine, *httptest.Server) {
	t.Helper()
	engine := relay.New(relay.Options{Log: logx.Nop()})
	svc := New(Config{}, engine, logx.Nop())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, engine, srv
}

func feed(e *relay.Engine, facility string, records ...string) {
	body := "<TATrackAndFlightPlan><src>" + facility + "</src>" +
		strings.Join(records, "") + "</TATrackAndFlightPlan>"
	e.ProcessMessage("TAIS/"+facility, []byte(body))
}

func record(trackNum, callsign string) string {
	rec := "<record><track><trackNum>" + trackNum + "</trackNum><lat>33.64</lat><lon>-84.43</lon></track>"
	if callsign != "" {
		rec += "<flightPlan><acid>" + callsign + "</acid></flightPlan>"
	}
	return rec + "</record>"
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestConnectDeliversSnapshotFirst(t *testing.T) {
	_, engine, srv := newTestService(t)
	feed(engine, "A80", record("1042", "DAL123"))

	// Lowercase facility in the URL; the hub normalizes it.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?facility=a80"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var env struct {
		Type    string            `json:"type"`
		Payload []relay.TrackJSON `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame %s: %v", frame, err)
	}
	if env.Type != relay.TypeSnapshot {
		t.Fatalf("first frame type = %q, want %q", env.Type, relay.TypeSnapshot)
	}
	if len(env.Payload) != 1 || env.Payload[0].TrackNum != "1042" {
		t.Fatalf("snapshot payload = %+v", env.Payload)
	}
}

func TestConnectThenBroadcastDeliversBatch(t *testing.T) {
	_, engine, srv := newTestService(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?facility=A80"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil { // snapshot
		t.Fatalf("read snapshot: %v", err)
	}

	feed(engine, "A80", record("7", "UAL7"))
	engine.Broadcast()

	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame %s: %v", frame, err)
	}
	if env.Type != relay.TypeBatch {
		t.Fatalf("frame type = %q, want %q", env.Type, relay.TypeBatch)
	}
}

func TestConnectWithoutFacilityRejected(t *testing.T) {
	_, _, srv := newTestService(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	_, engine, srv := newTestService(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?facility=A80"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Subscription happens on the handler goroutine after the handshake;
	// wait for it rather than racing it.
	deadline := time.Now().Add(2 * time.Second)
	for engine.Stats().Clients != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Clients = %d after connect, want 1", engine.Stats().Clients)
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	// The read pump notices the close and unsubscribes; give it a moment.
	deadline = time.Now().Add(2 * time.Second)
	for engine.Stats().Clients != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Clients = %d after disconnect, want 0", engine.Stats().Clients)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDirectoryEndpoint(t *testing.T) {
	_, engine, srv := newTestService(t)
	feed(engine, "ZTL", record("1", ""), record("2", ""))
	feed(engine, "A80", record("7", ""))

	resp, err := http.Get(srv.URL + "/api/v1/facilities")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var got []relay.DirectoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Facility != "ZTL" || got[0].TrackCount != 2 {
		t.Fatalf("directory = %+v", got)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	_, engine, srv := newTestService(t)
	feed(engine, "A80", record("1042", "DAL123"))

	for _, tc := range []struct {
		name      string
		path      string
		status    int
		wantTrack int
	}{
		{"known facility", "/api/v1/facilities/A80/tracks", http.StatusOK, 1},
		{"lowercase facility", "/api/v1/facilities/a80/tracks", http.StatusOK, 1},
		{"unknown facility", "/api/v1/facilities/ZZZ/tracks", http.StatusOK, 0},
		{"bad suffix", "/api/v1/facilities/A80/nope", http.StatusNotFound, 0},
		{"missing suffix", "/api/v1/facilities/A80", http.StatusNotFound, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if tc.status != http.StatusOK {
				return
			}
			var snap relay.SnapshotResult
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(snap.Tracks) != tc.wantTrack {
				t.Fatalf("tracks = %d, want %d", len(snap.Tracks), tc.wantTrack)
			}
		})
	}
}

func TestQueryEndpointsRejectNonGET(t *testing.T) {
	_, _, srv := newTestService(t)

	for _, path := range []string{"/api/v1/facilities", "/api/v1/facilities/A80/tracks"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s: status = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestStopClosesConnectedClients(t *testing.T) {
	engine := relay.New(relay.Options{Log: logx.Nop()})
	svc := New(Config{Addr: "127.0.0.1:0"}, engine, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+svc.Addr()+"/ws?facility=A80", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The snapshot frame proves the subscription is fully wired before
	// Stop runs.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("stop took %v with a connected client, want prompt return", took)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after stop = %v, want going-away close", err)
	}
	if got := engine.Stats().Clients; got != 0 {
		t.Fatalf("Clients = %d after stop, want 0", got)
	}
}

// TestEnqueueOverflowClosesClient exercises the slow-consumer policy at
// the client level: no pumps running, so the queue fills deterministically.
func TestEnqueueOverflowClosesClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	defer srv.Close()

	peer, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	c := newClient(<-conns, "A80", 1, logx.Nop())
	if !c.Enqueue([]byte("one")) {
		t.Fatalf("first frame refused with empty buffer")
	}
	if c.Enqueue([]byte("two")) {
		t.Fatalf("second frame accepted past buffer capacity")
	}
	if !c.Closed() {
		t.Fatalf("client still open after overflow")
	}
	if c.Enqueue([]byte("three")) {
		t.Fatalf("frame accepted after close")
	}
}

// The subscription id is assigned after Subscribe returns, and Subscribe
// publishes the sink first, so broadcasts may enqueue concurrently with
// that assignment. Enqueue must therefore never read the id.
func TestEnqueueConcurrentWithIDAssignment(t *testing.T) {
	c := newClient(nil, "A80", 1, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for c.Enqueue([]byte("x")) {
		}
	}()

	c.id = "sub-1"
	<-done
	if !c.Closed() {
		t.Fatalf("client still open after overflow")
	}
}
