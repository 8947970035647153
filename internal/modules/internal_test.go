package modules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEchoReflectsParams(t *testing.T) {
	m := NewEcho()
	assert.Equal(t, "echo", m.Name())
	assert.True(t, m.HasAction("echo"))
	assert.False(t, m.HasAction("nope"))
	assert.False(t, m.SupportsAsync())

	params := json.RawMessage(`{"msg":"hi","n":3}`)
	out, err := m.Execute("echo", params)
	require.NoError(t, err)
	assert.JSONEq(t, string(params), string(out))
}

func TestNewPingRespondsPong(t *testing.T) {
	m := NewPing()
	out, err := m.Execute("ping", json.RawMessage(`{}`))
	require.NoError(t, err)

	var resp struct {
		Response string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "pong", resp.Response)
}

func TestNewStatusDefersToQuerier(t *testing.T) {
	var gotTID string
	querier := func(tid string) (json.RawMessage, error) {
		gotTID = tid
		return json.RawMessage(`{"transaction_id":"t1","status":"success"}`), nil
	}
	m := NewStatus(querier)
	out, err := m.Execute("query", json.RawMessage(`{"transaction_id":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", gotTID)
	assert.Contains(t, string(out), "success")
}

func TestInternalExecuteAsyncPanics(t *testing.T) {
	m := NewEcho()
	assert.Panics(t, func() {
		m.ExecuteAsync("echo", json.RawMessage(`{}`), t.TempDir(), nil)
	})
}
