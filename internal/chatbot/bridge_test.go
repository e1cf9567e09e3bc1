// ABOUTME: Tests for the chatbot bridge
// ABOUTME: Covers counter updates, unexpected replies, failure drops, timeouts and per-conversation ordering

package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/state"
)

type stubService struct {
	fn func(ctx context.Context, req Request) (*Result, error)
}

func (s *stubService) Converse(ctx context.Context, req Request) (*Result, error) {
	return s.fn(ctx, req)
}

type published struct {
	conversationID string
	kind           delivery.Kind
	payload        *message.Outbound
	targets        []delivery.Target
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []published
}

func (p *recordingPublisher) Publish(conversationID string, kind delivery.Kind, payload *message.Outbound, targets ...delivery.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{conversationID, kind, payload, targets})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

func reply(text string, unexpected bool) *Result {
	return &Result{Code: CodeSuccess, Data: &ReplyData{Text: text, Unexpected: unexpected}}
}

func setup(t *testing.T, svc Service) (*Bridge, *conversation.Store, *recordingPublisher) {
	t.Helper()
	store := conversation.NewStore(state.NewMemoryBackend(), state.NewLocalLocker(), nil, nil)
	pub := &recordingPublisher{}
	b := NewBridge(svc, store, pub, Config{BotName: "Helpbot", Timeout: 200 * time.Millisecond}, nil)

	ctx := context.Background()
	_, _, err := store.GetOrCreate(ctx, conversation.NewConversation{ID: "c1", OrgID: "o1", VisitorID: "v1", Channel: "webim", SkillGroup: "sales"})
	require.NoError(t, err)
	_, err = store.Assign(ctx, "c1", "")
	require.NoError(t, err)
	return b, store, pub
}

func inbound(text string) *message.Inbound {
	return &message.Inbound{ConversationID: "c1", VisitorID: "v1", OrgID: "o1", Channel: "webim", Text: text}
}

func TestBridge_UnexpectedReplyCountsErrorAndDelivers(t *testing.T) {
	svc := &stubService{fn: func(_ context.Context, req Request) (*Result, error) {
		assert.Equal(t, "v1", req.VisitorID)
		res := reply("sorry, I did not get that", true)
		res.Data.Params = json.RawMessage(`{"options":["a","b"]}`)
		return res, nil
	}}
	b, store, pub := setup(t, svc)
	ctx := context.Background()

	out, err := b.HandleInboundForChatbot(ctx, inbound("???"))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, message.CallOut, out.CallType)
	assert.Equal(t, "Helpbot", out.AgentName)
	assert.JSONEq(t, `{"options":["a","b"]}`, string(out.Expanded))

	c, _, err := store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ChatbotTurns)
	assert.Equal(t, int64(1), c.ChatbotErrors)

	calls := pub.all()
	require.Len(t, calls, 1)
	assert.Equal(t, delivery.KindMessage, calls[0].kind)
	assert.Equal(t, []delivery.Target{delivery.Visitor("webim", "v1")}, calls[0].targets)
}

func TestBridge_ExpectedReplyCountsTurnOnly(t *testing.T) {
	b, store, _ := setup(t, &stubService{fn: func(context.Context, Request) (*Result, error) {
		return reply("hello", false), nil
	}})
	ctx := context.Background()

	_, err := b.HandleInboundForChatbot(ctx, inbound("hi"))
	require.NoError(t, err)

	c, _, err := store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ChatbotTurns)
	assert.Equal(t, int64(0), c.ChatbotErrors)
}

func TestBridge_FailedRepliesProduceNothing(t *testing.T) {
	cases := map[string]func(context.Context, Request) (*Result, error){
		"non-zero code": func(context.Context, Request) (*Result, error) { return &Result{Code: 1, Error: "bad"}, nil },
		"missing data":  func(context.Context, Request) (*Result, error) { return &Result{Code: 0}, nil },
		"transport":     func(context.Context, Request) (*Result, error) { return nil, fmt.Errorf("%w: refused", ErrChatbotUnavailable) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			b, store, pub := setup(t, &stubService{fn: fn})
			ctx := context.Background()

			out, err := b.HandleInboundForChatbot(ctx, inbound("hi"))
			assert.Error(t, err)
			assert.Nil(t, out)
			assert.Empty(t, pub.all())

			c, _, err := store.Lookup(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), c.ChatbotTurns)
		})
	}
}

func TestBridge_TimeoutIsUnavailable(t *testing.T) {
	b, _, pub := setup(t, &stubService{fn: func(ctx context.Context, _ Request) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	out, err := b.HandleInboundForChatbot(context.Background(), inbound("hi"))
	assert.ErrorIs(t, err, ErrChatbotUnavailable)
	assert.Nil(t, out)
	assert.Empty(t, pub.all())
}

func TestBridge_DropsReplyWhenAgentTookOver(t *testing.T) {
	var store *conversation.Store
	b, store, pub := setup(t, &stubService{fn: func(context.Context, Request) (*Result, error) {
		_, err := store.Assign(context.Background(), "c1", "agent-x")
		if err != nil {
			return nil, err
		}
		return reply("late", false), nil
	}})

	out, err := b.HandleInboundForChatbot(context.Background(), inbound("hi"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, pub.all())
}

func TestBridge_DropsReplyWhenConversationEnded(t *testing.T) {
	var store *conversation.Store
	b, store, pub := setup(t, &stubService{fn: func(context.Context, Request) (*Result, error) {
		if _, err := store.End(context.Background(), "c1"); err != nil {
			return nil, err
		}
		return reply("too late", true), nil
	}})
	ctx := context.Background()

	out, err := b.HandleInboundForChatbot(ctx, inbound("bye"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, pub.all())

	c, _, err := store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusEnd, c.Status)
	assert.Zero(t, c.ChatbotTurns)
	assert.Zero(t, c.ChatbotErrors)
}

// endingPublisher tries to end the conversation while the reply is being
// published and records whether it could.
type endingPublisher struct {
	store    *conversation.Store
	calls    int
	endError error
}

func (p *endingPublisher) Publish(conversationID string, _ delivery.Kind, _ *message.Outbound, _ ...delivery.Target) error {
	p.calls++
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, p.endError = p.store.End(ctx, conversationID)
	return nil
}

func TestBridge_ReplyPublishedWhileConversationHeld(t *testing.T) {
	store := conversation.NewStore(state.NewMemoryBackend(), state.NewLocalLocker(), nil, nil)
	pub := &endingPublisher{store: store}
	b := NewBridge(&stubService{fn: func(context.Context, Request) (*Result, error) {
		return reply("hello", false), nil
	}}, store, pub, Config{BotName: "Helpbot"}, nil)

	ctx := context.Background()
	_, _, err := store.GetOrCreate(ctx, conversation.NewConversation{ID: "c1", OrgID: "o1", VisitorID: "v1", Channel: "webim"})
	require.NoError(t, err)
	_, err = store.Assign(ctx, "c1", "")
	require.NoError(t, err)

	out, err := b.HandleInboundForChatbot(ctx, inbound("hi"))
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, 1, pub.calls)
	assert.ErrorIs(t, pub.endError, state.ErrLockTimeout, "end must wait until the reply is out")

	c, _, err := store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusInService, c.Status)
	assert.Equal(t, int64(1), c.ChatbotTurns)
}

func TestBridge_SubmitKeepsPerConversationOrder(t *testing.T) {
	b, store, pub := setup(t, &stubService{fn: func(_ context.Context, req Request) (*Result, error) {
		// Earlier messages take longer, so unordered processing would reorder replies.
		var n int
		_, _ = fmt.Sscanf(req.Text, "%d", &n)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return reply("re:"+req.Text, n%2 == 0), nil
	}})

	for i := 0; i < 10; i++ {
		require.True(t, b.Submit(inbound(fmt.Sprint(i))))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))

	calls := pub.all()
	require.Len(t, calls, 10)
	for i, call := range calls {
		assert.Equal(t, fmt.Sprintf("re:%d", i), call.payload.Text)
	}

	c, _, err := store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.ChatbotTurns)
	assert.Equal(t, int64(5), c.ChatbotErrors)
}

func TestBridge_CloseRejectsSubmit(t *testing.T) {
	b, _, _ := setup(t, &stubService{fn: func(context.Context, Request) (*Result, error) {
		return nil, errors.New("unused")
	}})
	require.NoError(t, b.Close(context.Background()))
	assert.False(t, b.Submit(inbound("hi")))
}

func TestBridge_UnknownConversationStillDelivers(t *testing.T) {
	b, store, pub := setup(t, &stubService{fn: func(context.Context, Request) (*Result, error) {
		return reply("hello", true), nil
	}})
	in := inbound("hi")
	in.ConversationID = "ghost"

	out, err := b.HandleInboundForChatbot(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Len(t, pub.all(), 1)

	_, found, err := store.Lookup(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}
