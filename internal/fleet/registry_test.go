package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/bot"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

type memStore struct {
	mu   sync.Mutex
	bots map[string]*domain.Bot
}

func newMemStore(bots ...domain.Bot) *memStore {
	s := &memStore{bots: make(map[string]*domain.Bot)}
	for _, b := range bots {
		s.bots[b.ID] = &b
	}
	return s
}

func (s *memStore) UpdateStatus(_ context.Context, id string, st domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[id]; ok {
		b.Status = st
	}
	return nil
}

func (s *memStore) UpdateNumber(_ context.Context, id, n string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[id]; ok {
		b.Number = n
	}
	return nil
}

func (s *memStore) GetBot(_ context.Context, id string) (*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) ListBots(context.Context) ([]*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) status(id string) domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bots[id].Status
}

// flakyDialer отказывает в Dial для выбранных id.
type flakyDialer struct {
	transport.Dialer
	fail map[string]bool
}

func (d flakyDialer) Dial(identity domain.Identity) (transport.Session, error) {
	if d.fail[identity.ID] {
		return nil, errors.New("sidecar unavailable")
	}
	return d.Dialer.Dial(identity)
}

type fakeLocker struct {
	free     bool
	unlocked atomic.Bool
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (bool, error) { return l.free, nil }

func (l *fakeLocker) Unlock(context.Context, string) error {
	l.unlocked.Store(true)
	return nil
}

type fixture struct {
	reg       *Registry
	store     *memStore
	primary   *transport.MemoryDialer
	emergency *transport.MemoryDialer
	fs        afero.Fs
	artifacts *bot.Artifacts
}

func newFixture(t *testing.T, opts Options, bots ...domain.Bot) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(bots...),
		primary:   transport.NewMemoryDialer(transport.VariantPrimary, false),
		emergency: transport.NewMemoryDialer(transport.VariantEmergency, false),
		fs:        afero.NewMemMapFs(),
	}
	f.artifacts = bot.NewArtifacts(f.fs, "/sessions")

	if opts.Primary == nil {
		opts.Primary = f.primary
	}
	opts.Emergency = f.emergency
	opts.Store = f.store
	opts.Logger = zap.NewNop()
	opts.Deps.Artifacts = f.artifacts
	opts.Deps.Settings = bot.Settings{StartupTimeout: time.Minute, EmergencyStartupTimeout: time.Minute}
	f.reg = NewRegistry(opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.reg.BulkStop(ctx)
	})
	return f
}

func record(id string, st domain.Status) domain.Bot {
	return domain.Bot{
		Identity: domain.Identity{ID: id, Name: "bot " + id, Kind: domain.KindNotify, SuperAdmins: []string{"5511111"}},
		Status:   st,
	}
}

func identity(id string) domain.Identity {
	return domain.Identity{ID: id, Name: "bot " + id, Kind: domain.KindNotify}
}

func TestRegistry_InitializeTwiceFails(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.NoError(t, err)

	_, err = f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)

	got, err := f.reg.Get("a")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, domain.StatusStarted, got.Status())
}

func TestRegistry_ConcurrentInitialize(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyRunning):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 31, dup.Load())
	assert.Len(t, f.reg.List(), 1)
}

func TestRegistry_StopThenInitializeAgain(t *testing.T) {
	f := newFixture(t, Options{}, record("a", domain.StatusOffline))
	ctx := context.Background()

	a, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, a.Status())

	f.primary.Session("a").Ready()
	require.Eventually(t, func() bool { return a.Status() == domain.StatusOnline }, time.Second, 5*time.Millisecond)

	st, err := f.reg.Stop(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, st)
	assert.Equal(t, domain.StatusOffline, f.store.status("a"))
	_, err = f.reg.Get("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.reg.Stop(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	again, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.NoError(t, err)
	assert.NotSame(t, a, again)
}

func TestRegistry_ConnectFailureLeavesNoAgent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Сессия, закрытая до Connect, отказывает в соединении
	d := closingDialer{f.primary}
	f.reg.primary = d

	_, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Empty(t, f.reg.List())

	_, err = f.reg.Get("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type closingDialer struct{ *transport.MemoryDialer }

func (d closingDialer) Dial(identity domain.Identity) (transport.Session, error) {
	s, err := d.MemoryDialer.Dial(identity)
	if err != nil {
		return nil, err
	}
	_ = s.Close(context.Background())
	return s, nil
}

func TestRegistry_DestroyIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, record("a", domain.StatusOffline))
	ctx := context.Background()
	require.NoError(t, f.fs.MkdirAll(f.artifacts.Dir("a"), 0o755))

	_, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.NoError(t, err)

	st, err := f.reg.Destroy(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDestroyed, st)
	assert.False(t, f.artifacts.Exists("a"))
	assert.Empty(t, f.reg.List())

	// Повтор для незапущенного, но сохранённого бота
	st, err = f.reg.Destroy(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDestroyed, st)
	assert.Equal(t, domain.StatusDestroyed, f.store.status("a"))

	_, err = f.reg.Destroy(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_FailoverAllSkipsDestroyed(t *testing.T) {
	f := newFixture(t, Options{},
		record("a", domain.StatusOnline),
		record("b", domain.StatusDestroyed),
		record("c", domain.StatusOffline),
	)
	ctx := context.Background()

	_, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.NoError(t, err)

	out, err := f.reg.FailoverAllToEmergency(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Empty(t, Failed(out))

	for _, id := range []string{"a", "c"} {
		a, err := f.reg.Get(id)
		require.NoError(t, err, id)
		assert.Equal(t, transport.VariantEmergency, a.Variant())
		assert.Equal(t, domain.StatusEmergency, a.Status())
	}
	_, err = f.reg.Get("b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.StatusDestroyed, f.store.status("b"))
	assert.True(t, f.primary.Session("a").Closed())

	_, err = f.reg.FailoverToEmergency(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrBotDestroyed)
}

func TestRegistry_StopEmergencyReturnsToPrimary(t *testing.T) {
	f := newFixture(t, Options{}, record("a", domain.StatusOffline))
	ctx := context.Background()

	_, err := f.reg.FailoverToEmergency(ctx, "a")
	require.NoError(t, err)

	out := f.reg.StopEmergency(ctx)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)

	a, err := f.reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, transport.VariantPrimary, a.Variant())
	assert.Equal(t, domain.StatusStarted, a.Status())
}

func TestRegistry_InitializeAllPartialFailure(t *testing.T) {
	f := newFixture(t, Options{},
		record("a", domain.StatusOnline),
		record("b", domain.StatusOffline),
		record("c", domain.StatusEmergency),
		record("d", domain.StatusDestroyed),
	)
	f.reg.primary = flakyDialer{Dialer: f.primary, fail: map[string]bool{"b": true}}
	ctx := context.Background()

	out, err := f.reg.InitializeAll(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	failed := Failed(out)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].BotID)

	running, emergency := f.reg.Running()
	assert.Equal(t, 1, emergency)
	assert.Equal(t, 1, running[domain.StatusStarted])
	assert.Equal(t, 1, running[domain.StatusEmergency])

	stopped := f.reg.BulkStop(ctx)
	assert.Len(t, stopped, 2)
	assert.Empty(t, Failed(stopped))
	assert.Empty(t, f.reg.List())
}

func TestRegistry_InitializeAllHonoursLock(t *testing.T) {
	busy := &fakeLocker{free: false}
	f := newFixture(t, Options{Locker: busy, LockKey: "lock"}, record("a", domain.StatusOnline))

	out, err := f.reg.InitializeAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, f.reg.List())
	assert.False(t, busy.unlocked.Load())

	free := &fakeLocker{free: true}
	f.reg.locker = free
	out, err = f.reg.InitializeAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.True(t, free.unlocked.Load())
}

func TestRegistry_BulkDestroy(t *testing.T) {
	f := newFixture(t, Options{BulkConcurrency: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.reg.Initialize(ctx, identity(id), domain.Config{})
		require.NoError(t, err)
	}

	out := f.reg.BulkDestroy(ctx)
	assert.Len(t, out, 3)
	assert.Empty(t, Failed(out))
	assert.Empty(t, f.reg.List())
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, f.primary.Session(id).Closed())
	}
}

func TestRegistry_HandleSignal(t *testing.T) {
	f := newFixture(t, Options{}, record("a", domain.StatusOffline), record("b", domain.StatusOffline))
	ctx := context.Background()

	require.NoError(t, f.reg.HandleSignal(ctx, "a:restart"))
	a, err := f.reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, transport.VariantPrimary, a.Variant())

	require.NoError(t, f.reg.HandleSignal(ctx, "*:emergency"))
	assert.Len(t, f.reg.List(), 2)
	_, emergency := f.reg.Running()
	assert.Equal(t, 2, emergency)

	require.NoError(t, f.reg.HandleSignal(ctx, "b:STOP"))
	assert.Len(t, f.reg.List(), 1)

	assert.ErrorIs(t, f.reg.HandleSignal(ctx, "b:stop"), domain.ErrNotFound)
	assert.Error(t, f.reg.HandleSignal(ctx, "garbage"))
	assert.Error(t, f.reg.HandleSignal(ctx, "a:explode"))
}

func TestRegistry_UpdateConfig(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.reg.Initialize(ctx, identity("a"), domain.Config{})
	require.NoError(t, err)

	cfg := domain.Config{AutoReplyPermission: true, AutoReplyText: "oi"}
	require.NoError(t, f.reg.UpdateConfig(ctx, "a", cfg))
	a, _ := f.reg.Get("a")
	assert.Equal(t, cfg, a.Config())

	assert.ErrorIs(t, f.reg.UpdateConfig(ctx, "ghost", cfg), domain.ErrNotFound)
}
