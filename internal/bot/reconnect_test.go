package bot

import (
	"context"
	"slices"
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
	"github.com/xela07ax/botfleet/internal/transport"
)

// sidecarConn - сайдкар, у которого можно оборвать поток событий.
type sidecarConn struct {
	mu      sync.Mutex
	streams int
	events  chan *structpb.Struct
	breaks  chan error
}

func newSidecarConn() *sidecarConn {
	return &sidecarConn{
		events: make(chan *structpb.Struct, 8),
		breaks: make(chan error, 1),
	}
}

func (c *sidecarConn) Invoke(context.Context, string, any, any, ...grpc.CallOption) error {
	return nil
}

func (c *sidecarConn) NewStream(ctx context.Context, _ *grpc.StreamDesc, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	c.mu.Lock()
	c.streams++
	c.mu.Unlock()
	return &sidecarStream{ctx: ctx, conn: c}, nil
}

func (c *sidecarConn) opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

func (c *sidecarConn) send(t *testing.T, fields map[string]any) {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	c.events <- msg
}

type sidecarStream struct {
	ctx  context.Context
	conn *sidecarConn
}

func (s *sidecarStream) Header() (metadata.MD, error) { return nil, nil }
func (s *sidecarStream) Trailer() metadata.MD         { return nil }
func (s *sidecarStream) CloseSend() error             { return nil }
func (s *sidecarStream) Context() context.Context     { return s.ctx }
func (s *sidecarStream) SendMsg(any) error            { return nil }

func (s *sidecarStream) RecvMsg(m any) error {
	select {
	case ev := <-s.conn.events:
		proto.Merge(m.(*structpb.Struct), ev)
		return nil
	case err := <-s.conn.breaks:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func TestAgent_SidecarRestartKeepsSession(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	id := notifyBot()
	require.NoError(t, h.fs.MkdirAll(h.deps.Artifacts.Dir(id.ID), 0o755))

	conn := newSidecarConn()
	d := transport.NewSidecarDialer(conn, transport.VariantPrimary, time.Second, zap.NewNop()).
		WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond)
	s, err := d.Dial(id)
	require.NoError(t, err)

	a := New(id, domain.Config{}, s, h.deps)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = a.Stop(ctx)
	})

	conn.send(t, map[string]any{"kind": "ready", "self": botNumber + "@c.us"})
	waitStatus(t, a, domain.StatusOnline)

	// Сайдкар перезапустился: поток оборван с Unavailable
	conn.breaks <- status.Error(codes.Unavailable, "transport is closing")
	require.Eventually(t, func() bool { return conn.opened() == 2 }, time.Second, 5*time.Millisecond)

	// Агент жив и получает события из нового потока
	conn.send(t, map[string]any{"kind": "conflict"})
	waitStatus(t, a, domain.StatusConflict)
	conn.send(t, map[string]any{"kind": "connected"})
	waitStatus(t, a, domain.StatusOnline)

	select {
	case <-a.Done():
		t.Fatal("agent exited after stream loss")
	default:
	}
	assert.True(t, h.deps.Artifacts.Exists(id.ID))
	assert.False(t, slices.Contains(h.store.history(), domain.StatusDestroyed))
}

func TestAgent_SidecarLogoutDestroys(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	id := notifyBot()
	require.NoError(t, h.fs.MkdirAll(h.deps.Artifacts.Dir(id.ID), 0o755))

	conn := newSidecarConn()
	s, err := transport.NewSidecarDialer(conn, transport.VariantPrimary, time.Second, zap.NewNop()).Dial(id)
	require.NoError(t, err)

	a := New(id, domain.Config{}, s, h.deps)
	require.NoError(t, a.Start(context.Background()))
	conn.send(t, map[string]any{"kind": "ready", "self": botNumber + "@c.us"})
	waitStatus(t, a, domain.StatusOnline)

	conn.send(t, map[string]any{"kind": "disconnected", "reason": "LOGOUT"})
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("agent still running after logout")
	}
	assert.Equal(t, domain.StatusDestroyed, a.Status())
	assert.False(t, h.deps.Artifacts.Exists(id.ID))
}
