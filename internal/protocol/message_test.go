package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	data, err := Marshal("payment:received", at, map[string]string{"orderId": "42"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"payment:received","timestamp":1700000000000,"payload":{"orderId":"42"}}`, string(data))
}

func TestMarshal_OmitsNilPayload(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	data, err := Marshal("pong", at, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":1700000000000}`, string(data))
}

func TestMarshal_RejectsUnserializablePayload(t *testing.T) {
	_, err := Marshal("bad", time.Now(), func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `marshal "bad" envelope`)
}

func TestParse_Auth(t *testing.T) {
	msg := Parse([]byte(`{"type":"auth","payload":{"userId":"u1","token":"tok"}}`))
	assert.Equal(t, Auth{UserID: "u1", Token: "tok"}, msg)
}

func TestParse_Subscribe(t *testing.T) {
	msg := Parse([]byte(`{"type":"subscribe","payload":{"channel":"servers"}}`))
	assert.Equal(t, Subscribe{Channel: "servers"}, msg)
}

func TestParse_Unsubscribe(t *testing.T) {
	msg := Parse([]byte(`{"type":"unsubscribe","payload":{"channel":"servers"}}`))
	assert.Equal(t, Unsubscribe{Channel: "servers"}, msg)
}

func TestParse_Ping(t *testing.T) {
	msg := Parse([]byte(`{"type":"ping"}`))
	assert.Equal(t, Ping{}, msg)
}

func TestParse_UnknownType(t *testing.T) {
	msg := Parse([]byte(`{"type":"dance","payload":{"steps":3}}`))
	assert.Equal(t, Unknown{Type: "dance"}, msg)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{nope`},
		{"not an object", `[1,2,3]`},
		{"missing type", `{"payload":{}}`},
		{"empty type", `{"type":""}`},
		{"auth without token", `{"type":"auth","payload":{"userId":"u1"}}`},
		{"auth without user", `{"type":"auth","payload":{"token":"tok"}}`},
		{"auth payload wrong shape", `{"type":"auth","payload":"str"}`},
		{"subscribe without channel", `{"type":"subscribe","payload":{}}`},
		{"subscribe payload wrong shape", `{"type":"subscribe","payload":12}`},
		{"unsubscribe without channel", `{"type":"unsubscribe"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Parse([]byte(tt.input))
			malformed, ok := msg.(Malformed)
			require.True(t, ok, "expected Malformed, got %T", msg)
			assert.Error(t, malformed.Err)
		})
	}
}

func TestParse_IgnoresExtraFields(t *testing.T) {
	msg := Parse([]byte(`{"type":"ping","payload":{"junk":true},"extra":1}`))
	assert.Equal(t, Ping{}, msg)
}

func TestEnvelope_RoundTripPayloadShape(t *testing.T) {
	data, err := Marshal("servers:load", time.UnixMilli(1700000000000), map[string]any{
		"servers": []map[string]any{{"name": "de-1", "cpuPercent": 40.5}},
	})
	require.NoError(t, err)

	var decoded struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		Payload   struct {
			Servers []struct {
				Name       string  `json:"name"`
				CPUPercent float64 `json:"cpuPercent"`
			} `json:"servers"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "servers:load", decoded.Type)
	require.Len(t, decoded.Payload.Servers, 1)
	assert.Equal(t, "de-1", decoded.Payload.Servers[0].Name)
	assert.InDelta(t, 40.5, decoded.Payload.Servers[0].CPUPercent, 0.001)
}
