package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/botfleet/internal/domain"
)

type invocation struct {
	method string
	req    map[string]any
}

// fakeConn - сайдкар в памяти: отвечает заготовленными Struct и отдаёт поток событий.
type fakeConn struct {
	mu        sync.Mutex
	calls     []invocation
	responses map[string]map[string]any
	invokeErr error
	events    chan *structpb.Struct
	breaks    chan error // обрыв текущего потока событий
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		responses: make(map[string]map[string]any),
		events:    make(chan *structpb.Struct, 8),
		breaks:    make(chan error, 1),
	}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.invokeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) count(method string) int {
	n := 0
	for _, m := range c.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func (c *fakeConn) Invoke(_ context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, invocation{method: method, req: args.(*structpb.Struct).AsMap()})
	if c.invokeErr != nil {
		return c.invokeErr
	}
	if fields, ok := c.responses[method]; ok {
		resp, err := structpb.NewStruct(fields)
		if err != nil {
			return err
		}
		proto.Merge(reply.(*structpb.Struct), resp)
	}
	return nil
}

func (c *fakeConn) NewStream(ctx context.Context, _ *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	c.mu.Lock()
	c.calls = append(c.calls, invocation{method: method})
	c.mu.Unlock()
	return &fakeStream{ctx: ctx, events: c.events, breaks: c.breaks}, nil
}

func (c *fakeConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.calls))
	for _, inv := range c.calls {
		out = append(out, inv.method)
	}
	return out
}

func (c *fakeConn) last() invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

type fakeStream struct {
	ctx    context.Context
	events chan *structpb.Struct
	breaks chan error
}

func (s *fakeStream) Header() (metadata.MD, error) { return nil, nil }
func (s *fakeStream) Trailer() metadata.MD         { return nil }
func (s *fakeStream) CloseSend() error             { return nil }
func (s *fakeStream) Context() context.Context     { return s.ctx }
func (s *fakeStream) SendMsg(any) error            { return nil }

func (s *fakeStream) RecvMsg(m any) error {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return io.EOF
		}
		proto.Merge(m.(*structpb.Struct), ev)
		return nil
	case err := <-s.breaks:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func nextEvent(t *testing.T, s Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event from session")
		return Event{}
	}
}

func TestSidecar_ConnectAndEvents(t *testing.T) {
	conn := newFakeConn()
	d := NewSidecarDialer(conn, VariantPrimary, time.Second, zap.NewNop())

	s, err := d.Dial(domain.Identity{ID: "bot-1", Name: "Zoe"})
	require.NoError(t, err)
	assert.Empty(t, conn.methods(), "dial must not touch the network")

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{servicePrefix + "Connect", servicePrefix + "Events"}, conn.methods())

	conn.events <- mustStruct(t, map[string]any{"kind": "ready", "self": "5511999@c.us"})
	ev := nextEvent(t, s)
	assert.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, "5511999", s.Self())

	conn.events <- mustStruct(t, map[string]any{
		"kind": "message",
		"message": map[string]any{
			"id": "m1", "from": "1203@g.us", "author": "5511888@c.us", "body": "/cep 01001000",
		},
	})
	ev = nextEvent(t, s)
	require.NotNil(t, ev.Message)
	assert.True(t, ev.Message.IsGroup())
	assert.Equal(t, "5511888", ev.Message.Sender())
	assert.Equal(t, "/cep 01001000", ev.Message.Body)

	// Выход из аккаунта сайдкар сообщает явным событием
	conn.events <- mustStruct(t, map[string]any{"kind": "disconnected", "reason": "LOGOUT"})
	ev = nextEvent(t, s)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, "LOGOUT", ev.Reason)

	require.NoError(t, s.Close(context.Background()))
}

func TestSidecar_StreamLossResubscribes(t *testing.T) {
	conn := newFakeConn()
	d := NewSidecarDialer(conn, VariantPrimary, time.Second, zap.NewNop()).
		WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond)
	s, _ := d.Dial(domain.Identity{ID: "bot-1"})
	require.NoError(t, s.Connect(context.Background()))
	defer func() { _ = s.Close(context.Background()) }()

	// Сайдкар перезапускается: первая перерегистрация не проходит
	conn.fail(status.Error(codes.Unavailable, "connection refused"))
	conn.breaks <- status.Error(codes.Unavailable, "transport is closing")

	require.Eventually(t, func() bool {
		return conn.count(servicePrefix+"Connect") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	conn.fail(nil)

	require.Eventually(t, func() bool {
		return conn.count(servicePrefix+"Events") == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Обрыв не даёт агенту ни одного события
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after stream loss: %+v", ev)
	default:
	}

	// Новый поток доставляет события как прежде
	conn.events <- mustStruct(t, map[string]any{"kind": "ready", "self": "5511999@c.us"})
	ev := nextEvent(t, s)
	assert.Equal(t, EventReady, ev.Kind)

	// EOF от сайдкара - тоже повод переподписаться, а не выйти
	conn.breaks <- io.EOF
	require.Eventually(t, func() bool {
		return conn.count(servicePrefix+"Events") == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSidecar_CloseStopsResubscribing(t *testing.T) {
	conn := newFakeConn()
	d := NewSidecarDialer(conn, VariantPrimary, time.Second, zap.NewNop()).
		WithReconnectBackoff(time.Hour, time.Hour)
	s, _ := d.Dial(domain.Identity{ID: "bot-1"})
	require.NoError(t, s.Connect(context.Background()))

	conn.breaks <- status.Error(codes.Unavailable, "transport is closing")
	require.NoError(t, s.Close(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.count(servicePrefix+"Events"))
	assert.Equal(t, 1, conn.count(servicePrefix+"Connect"))
}

func TestSidecar_CallCarriesSessionAndWrapsErrors(t *testing.T) {
	conn := newFakeConn()
	s, _ := NewSidecarDialer(conn, VariantPrimary, time.Second, zap.NewNop()).Dial(domain.Identity{ID: "bot-1"})

	require.NoError(t, s.SendText(context.Background(), "5511@c.us", "oi", SendOptions{Mentions: []string{"5511@c.us"}}))
	inv := conn.last()
	assert.Equal(t, servicePrefix+"SendText", inv.method)
	assert.Equal(t, "bot-1", inv.req["session"])
	assert.Equal(t, "oi", inv.req["text"])

	conn.invokeErr = errors.New("unavailable")
	err := s.SendText(context.Background(), "5511@c.us", "oi", SendOptions{})
	assert.ErrorIs(t, err, domain.ErrTransportFailure)

	conn.invokeErr = nil
	conn.responses[servicePrefix+"DeleteGroup"] = map[string]any{"error": "not admin"}
	err = s.DeleteGroup(context.Background(), "1203")
	assert.ErrorIs(t, err, domain.ErrTransportFailure)
}

func TestSidecar_GetGroupDecodesParticipants(t *testing.T) {
	conn := newFakeConn()
	conn.responses[servicePrefix+"GetGroup"] = map[string]any{
		"id":    "1203@g.us",
		"title": "Promo",
		"participants": []any{
			map[string]any{"id": "5511@c.us", "is_admin": true},
			map[string]any{"id": "5522@c.us"},
		},
	}
	s, _ := NewSidecarDialer(conn, VariantPrimary, time.Second, zap.NewNop()).Dial(domain.Identity{ID: "bot-1"})

	g, err := s.GetGroup(context.Background(), "1203")
	require.NoError(t, err)
	assert.Equal(t, "1203", g.ID)
	assert.Equal(t, "bot-1", g.BotID)
	require.Len(t, g.Participants, 2)
	assert.True(t, g.IsAdmin("5511"))
	assert.False(t, g.IsAdmin("5522"))
}

func TestSidecar_EmergencyRefusesWithoutNetwork(t *testing.T) {
	conn := newFakeConn()
	s, _ := NewSidecarDialer(conn, VariantEmergency, time.Second, zap.NewNop()).Dial(domain.Identity{ID: "bot-1"})
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "x", nil)
	assert.ErrorIs(t, err, domain.ErrActionUnsupported)
	assert.ErrorIs(t, s.SendMedia(ctx, "a", Media{}, SendOptions{}), domain.ErrActionUnsupported)
	assert.ErrorIs(t, s.AddParticipant(ctx, "g", "u"), domain.ErrActionUnsupported)
	assert.ErrorIs(t, s.RemoveParticipant(ctx, "g", "u"), domain.ErrActionUnsupported)
	assert.ErrorIs(t, s.DeleteGroup(ctx, "g"), domain.ErrActionUnsupported)
	assert.ErrorIs(t, s.RejectCall(ctx, "c"), domain.ErrActionUnsupported)
	assert.Empty(t, conn.methods())

	// Текст резервный транспорт умеет
	require.NoError(t, s.SendText(ctx, "a", "b", SendOptions{}))
	assert.Equal(t, "emergency", conn.last().req["variant"])
}
