package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"conversation_id":"c1","visitor_id":"v1","org_id":"o1","text":"hi","channel":"webim"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, TypeText, m.MsgType)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"conversation_id":`,
		"no conversation": `{"visitor_id":"v1"}`,
		"no visitor":      `{"conversation_id":"c1"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestReply(t *testing.T) {
	in := &Inbound{MessageID: "m1", ConversationID: "c1", VisitorID: "v1", OrgID: "o1", Text: "hi", Channel: "webim", SessionID: "s1"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	out := Reply(in, "hello", "Helpbot", now)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, "v1", out.ToUser)
	assert.Equal(t, CallOut, out.CallType)
	assert.Equal(t, "s1", out.SessionID)
	assert.Empty(t, out.MessageID)
	assert.Equal(t, now, out.Timestamp)
	assert.Equal(t, "hi", in.Text, "inbound must not be mutated")
}

func TestDedupeKey(t *testing.T) {
	assert.Empty(t, (&Inbound{ConversationID: "c1"}).DedupeKey())
	assert.Equal(t, "o1:c1:m1", (&Inbound{OrgID: "o1", ConversationID: "c1", MessageID: "m1"}).DedupeKey())
}

func TestForwardAndNotice(t *testing.T) {
	in := &Inbound{MessageID: "m1", ConversationID: "c1", VisitorID: "v1", Text: "hi"}

	fwd := Forward(in, "agent-x", "Xena")
	assert.Equal(t, CallIn, fwd.CallType)
	assert.Equal(t, "agent-x", fwd.ToUser)
	assert.Equal(t, "m1", fwd.MessageID)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := Notice(*in, "v1", "Xena", "you are now talking to Xena", now)
	assert.Equal(t, TypeStatus, n.MsgType)
	assert.Equal(t, "you are now talking to Xena", n.Text)
	assert.Empty(t, n.MessageID)
	assert.Equal(t, "hi", in.Text)
}

func TestDecodeAgent(t *testing.T) {
	in, err := DecodeAgent([]byte(`{"conversation_id":"c1","agent_id":"X","text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "X", in.AgentID)
	assert.Equal(t, TypeText, in.MsgType)

	_, err = DecodeAgent([]byte(`{"conversation_id":"c1"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = DecodeAgent([]byte(`{"agent_id":"X"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = DecodeAgent([]byte(`[`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
