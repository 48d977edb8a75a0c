package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantsim/marketsim/internal/factory"
	"github.com/quantsim/marketsim/internal/push"
)

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frame wsFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func TestWebSocket_KlineStream(t *testing.T) {
	env := newTestEnv(t)

	tpl := serverTemplate()
	tpl.AutoStart = true
	_, instanceID := env.createInstance(t, tpl, "")

	conn := dialWS(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, subscribeRequest{
		InstanceID:  instanceID,
		Type:        "kline",
		Symbol:      "AAA",
		Granularity: "1m",
	}))

	// The loop is running, so candle updates arrive within a few frames. The
	// ack and the first update race; scan until the update shows up.
	for {
		frame := readFrame(t, conn)
		if frame.Type != "kline_update" {
			assert.Equal(t, "subscribed", frame.Type)
			continue
		}
		var update struct {
			Symbol      string `json:"symbol"`
			Granularity string `json:"granularity"`
		}
		require.NoError(t, json.Unmarshal(frame.Data, &update))
		assert.Equal(t, "AAA", update.Symbol)
		assert.Equal(t, "1m", update.Granularity)
		return
	}
}

func TestWebSocket_InvalidSubscription(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Missing instance id.
	require.NoError(t, wsjson.Write(ctx, conn, subscribeRequest{Type: "kline", Symbol: "AAA", Granularity: "1m"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)

	// Unknown type.
	require.NoError(t, wsjson.Write(ctx, conn, subscribeRequest{InstanceID: "x", Type: "orders"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)

	// Bad granularity.
	require.NoError(t, wsjson.Write(ctx, conn, subscribeRequest{InstanceID: "x", Type: "kline", Symbol: "AAA", Granularity: "2m"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestWebSocket_ProgressFilter(t *testing.T) {
	session := &wsSession{progress: make(map[string]struct{})}
	session.setProgress("inst-1", true)

	mine := push.Message{Topic: push.TopicProgress, Data: factory.Progress{RequestID: "r1", InstanceID: "inst-1"}}
	theirs := push.Message{Topic: push.TopicProgress, Data: factory.Progress{RequestID: "r2", InstanceID: "inst-2"}}

	out, deliver := translate(session, mine)
	require.True(t, deliver)
	assert.Equal(t, "progress_update", out.Type)

	_, deliver = translate(session, theirs)
	assert.False(t, deliver)

	session.setProgress("inst-1", false)
	_, deliver = translate(session, mine)
	assert.False(t, deliver)
}

func TestWebSocket_TopicResolution(t *testing.T) {
	topic, err := topicFor(subscribeRequest{InstanceID: "i", Type: "kline", Symbol: "AAA", Granularity: "5m"})
	require.NoError(t, err)
	assert.Equal(t, push.Topic("kline:i:AAA:5m"), topic)

	topic, err = topicFor(subscribeRequest{InstanceID: "i", Type: "trades"})
	require.NoError(t, err)
	assert.Equal(t, push.Topic("trades:i"), topic)

	topic, err = topicFor(subscribeRequest{InstanceID: "i", Type: "progress"})
	require.NoError(t, err)
	assert.Equal(t, push.TopicProgress, topic)

	_, err = topicFor(subscribeRequest{Type: "progress"})
	require.Error(t, err)
}
