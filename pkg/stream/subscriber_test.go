package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"copytrader/pkg/exchange"
)

func TestDecodeUserEventsFills(t *testing.T) {
	payload := json.RawMessage(`{
		"fills":[
			{"coin":"BTC","px":"60000","sz":"0.5","side":"B","time":1700000000000,
			 "startPosition":"0","dir":"Open Long","oid":42,"crossed":true},
			{"coin":"BTC","px":"bogus","sz":"0.1","oid":43,"dir":"Open Long"}
		],
		"positions":[
			{"coin":"BTC","szi":"0.5","position":{"entryPx":"60000","leverage":{"value":10}}}
		],
		"orders":[
			{"coin":"ETH","side":"A","limitPx":"4200","sz":"1","oid":7,
			 "orderType":"Take Profit Limit","isTrigger":true,"triggerPx":"4000",
			 "triggerCondition":"gt","reduceOnly":true},
			{"coin":"ETH","side":"A","sz":"1","oid":8,"orderType":"Limit","status":"canceled"}
		]
	}`)

	update, err := decodeUserEvents(payload)
	require.NoError(t, err)

	// malformed fill dropped, valid one kept
	require.Len(t, update.Fills, 1)
	fill := update.Fills[0]
	require.Equal(t, int64(42), fill.OrderID)
	require.Equal(t, exchange.DirectionOpenLong, fill.Direction)
	require.True(t, fill.Direction.IsOpen())
	require.Equal(t, "0.5", fill.Size.String())
	require.True(t, fill.StartPosition.IsZero())

	require.Len(t, update.Positions, 1)
	require.Equal(t, "0.5", update.Positions[0].Size.String())
	require.Equal(t, 10, update.Positions[0].Leverage)

	// canceled order excluded from Orders but present in OrderIDs
	require.Len(t, update.Orders, 1)
	require.Equal(t, exchange.OrderKindTriggerTP, update.Orders[0].Kind)
	require.Equal(t, exchange.TriggerAbove, update.Orders[0].TriggerCondition)
	require.ElementsMatch(t, []int64{7, 8}, update.OrderIDs)
}

func TestDecodeDirectionHelpers(t *testing.T) {
	require.Equal(t, exchange.SideBuy, exchange.DirectionOpenLong.Side())
	require.Equal(t, exchange.SideSell, exchange.DirectionOpenShort.Side())
	require.Equal(t, exchange.SideSell, exchange.DirectionCloseLong.Side())
	require.Equal(t, exchange.SideBuy, exchange.DirectionCloseShort.Side())
	require.True(t, exchange.DirectionCloseShort.IsClose())
	require.False(t, exchange.DirectionCloseShort.IsOpen())
}

// wsTestServer upgrades connections, records the subscription message and
// serves scripted frames per connection.
type wsTestServer struct {
	t        *testing.T
	server   *httptest.Server
	conns    int32
	frames   []string // frames served on every connection
	dropEach bool     // close the connection after serving frames
	subs     chan string
}

func newWSTestServer(t *testing.T, frames []string, dropEach bool) *wsTestServer {
	ws := &wsTestServer{t: t, frames: frames, dropEach: dropEach, subs: make(chan string, 8)}
	upgrader := websocket.Upgrader{}
	ws.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(&ws.conns, 1)

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ws.subs <- string(sub)
		for _, frame := range ws.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		if ws.dropEach {
			return
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.server.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.server.URL, "http")
}

func TestSubscriberDeliversFrames(t *testing.T) {
	frames := []string{
		`{"channel":"subscriptionResponse","data":{}}`,
		`{"channel":"user","data":{"fills":[{"coin":"BTC","px":"60000","sz":"0.5","oid":1,"dir":"Open Long","startPosition":"0"}]}}`,
	}
	ws := newWSTestServer(t, frames, false)

	sub := New("0xabc", false, WithURL(ws.url()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	raw := <-ws.subs
	require.Contains(t, raw, `"type":"userEvents"`)
	require.Contains(t, raw, `"user":"0xabc"`)

	select {
	case update := <-sub.Updates():
		require.False(t, update.Resync)
		require.Len(t, update.Fills, 1)
		require.Equal(t, int64(1), update.Fills[0].OrderID)
	case <-time.After(5 * time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSubscriberResyncsAfterReconnect(t *testing.T) {
	frames := []string{
		`{"channel":"user","data":{"fills":[{"coin":"BTC","px":"60000","sz":"0.1","oid":5,"dir":"Open Long","startPosition":"0"}]}}`,
	}
	ws := newWSTestServer(t, frames, true) // drop after each delivery

	sub := New("0xabc", false, WithURL(ws.url()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	var got []Update
	timeout := time.After(15 * time.Second)
	for len(got) < 3 {
		select {
		case update := <-sub.Updates():
			got = append(got, update)
		case <-timeout:
			t.Fatalf("timed out, got %d updates", len(got))
		}
	}

	// first connection: data frame; second connection: resync marker first
	require.False(t, got[0].Resync)
	require.True(t, got[1].Resync)
	require.False(t, got[2].Resync)
	require.GreaterOrEqual(t, atomic.LoadInt32(&ws.conns), int32(2))
}

func TestSubscriberGivesUpAfterMaxFailures(t *testing.T) {
	// a plain HTTP server rejects websocket upgrades
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	sub := New("0xabc", false,
		WithURL("ws"+strings.TrimPrefix(server.URL, "http")),
		WithMaxFailures(2),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := sub.Run(ctx)
	require.ErrorIs(t, err, ErrTooManyFailures)
}
