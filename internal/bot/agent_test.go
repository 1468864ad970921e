package bot

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

const (
	botNumber = "5511000"
	adminID   = "5511111"
	userID    = "5511222"
	groupID   = "120363"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses []domain.Status
	number   string
	err      error
}

func (s *fakeStore) UpdateStatus(_ context.Context, _ string, st domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return s.err
}

func (s *fakeStore) UpdateNumber(_ context.Context, _ string, n string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.number = n
	return s.err
}

func (s *fakeStore) history() []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.statuses)
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses map[string][]domain.StatusEvent
	messages map[string][]domain.InboundMessage
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		statuses: make(map[string][]domain.StatusEvent),
		messages: make(map[string][]domain.InboundMessage),
	}
}

func (n *fakeNotifier) PublishStatus(_ context.Context, q string, ev domain.StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[q] = append(n.statuses[q], ev)
	return nil
}

func (n *fakeNotifier) PublishMessage(_ context.Context, q string, m domain.InboundMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[q] = append(n.messages[q], m)
	return nil
}

func (n *fakeNotifier) statusCount(q string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.statuses[q])
}

func (n *fakeNotifier) relayed(q string) []domain.InboundMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.messages[q])
}

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (j *fakeJournal) Record(ev domain.StatusEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

type harness struct {
	dialer   *transport.MemoryDialer
	store    *fakeStore
	notifier *fakeNotifier
	journal  *fakeJournal
	fs       afero.Fs
	deps     Deps
}

func newHarness(t *testing.T, variant transport.Variant) *harness {
	t.Helper()
	h := &harness{
		dialer:   transport.NewMemoryDialer(variant, false),
		store:    &fakeStore{},
		notifier: newFakeNotifier(),
		journal:  &fakeJournal{},
		fs:       afero.NewMemMapFs(),
	}
	h.deps = Deps{
		Store:     h.store,
		Notifier:  h.notifier,
		Journal:   h.journal,
		Artifacts: NewArtifacts(h.fs, "/sessions"),
		Logger:    zap.NewNop(),
		After:     func(_ time.Duration, f func()) { f() },
		Settings: Settings{
			StartupTimeout:          time.Minute,
			EmergencyStartupTimeout: time.Minute,
			MaxGroupParticipants:    1003,
			FloodWindow:             6,
			FloodMaxRate:            3,
			FloodSuppressesCommands: true,
			OversizeLimit:           3000,
		},
	}
	return h
}

func (h *harness) start(t *testing.T, identity domain.Identity, cfg domain.Config) (*Agent, *transport.MemorySession) {
	t.Helper()
	h.dialer.SetNumber(identity.ID, botNumber)
	require.NoError(t, h.fs.MkdirAll(h.deps.Artifacts.Dir(identity.ID), 0o755))

	s, err := h.dialer.Dial(identity)
	require.NoError(t, err)
	a := New(identity, cfg, s, h.deps)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = a.Stop(ctx)
	})
	return a, h.dialer.Session(identity.ID)
}

func (h *harness) startReady(t *testing.T, identity domain.Identity, cfg domain.Config) (*Agent, *transport.MemorySession) {
	t.Helper()
	a, s := h.start(t, identity, cfg)
	s.Ready()
	waitStatus(t, a, a.onlineStatus())
	return a, s
}

func waitStatus(t *testing.T, a *Agent, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Status() == want }, time.Second, 5*time.Millisecond,
		"status is %s, want %s", a.Status(), want)
}

// flush дожидается обработки всех ранее отправленных событий: поток событий упорядочен.
func flush(t *testing.T, a *Agent, s *transport.MemorySession) {
	t.Helper()
	marker := "flush-" + time.Now().Format(time.RFC3339Nano)
	s.Emit(transport.Event{Kind: transport.EventQR, QR: marker})
	require.Eventually(t, func() bool { return a.QRCode() == marker }, time.Second, 5*time.Millisecond)
}

func waitSent(t *testing.T, s *transport.MemorySession, n int) []transport.Sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Sent()) >= n }, time.Second, 5*time.Millisecond)
	return s.Sent()
}

func notifyBot() domain.Identity {
	return domain.Identity{ID: "bot-n", Name: "Zoe", Description: "Atendimento", SuperAdmins: []string{adminID}, Kind: domain.KindNotify}
}

func promoterBot() domain.Identity {
	return domain.Identity{ID: "bot-p", Name: "Zoe", SuperAdmins: []string{adminID}, Kind: domain.KindPromoter}
}

func TestAgent_ReadyFlow(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.start(t, notifyBot(), domain.Config{QueuePermission: true, QueueStatus: "status"})
	assert.Equal(t, domain.StatusStarted, a.Status())

	s.Emit(transport.Event{Kind: transport.EventQR, QR: "qr-1"})
	require.Eventually(t, func() bool { return a.QRCode() == "qr-1" }, time.Second, 5*time.Millisecond)

	s.Ready()
	waitStatus(t, a, domain.StatusOnline)

	sent := waitSent(t, s, 1)
	assert.Equal(t, transport.UserAddr(adminID), sent[0].To)
	assert.Equal(t, "*Bot ZOE Initialized*", sent[0].Text)
	assert.Equal(t, "Zoe", s.Profile().Name)
	assert.Equal(t, "Atendimento", s.Profile().About)
	assert.Equal(t, botNumber, a.Number())
	assert.Empty(t, a.QRCode())

	h.store.mu.Lock()
	assert.Equal(t, botNumber, h.store.number)
	h.store.mu.Unlock()
	assert.Equal(t, []domain.Status{domain.StatusStarted, domain.StatusOnline}, h.store.history())
	assert.Equal(t, 2, h.notifier.statusCount("status"))
}

func TestAgent_StatusNotNotifiedWithoutPermission(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	h.startReady(t, notifyBot(), domain.Config{QueueStatus: "status"})

	require.Eventually(t, func() bool {
		h.journal.mu.Lock()
		defer h.journal.mu.Unlock()
		return len(h.journal.events) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.notifier.statusCount("status"))
}

func TestAgent_StartupTimeoutDestroys(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	h.deps.Settings.StartupTimeout = 30 * time.Millisecond

	exited := make(chan struct{})
	id := notifyBot()
	h.dialer.SetNumber(id.ID, botNumber)
	require.NoError(t, h.fs.MkdirAll(h.deps.Artifacts.Dir(id.ID), 0o755))
	s, err := h.dialer.Dial(id)
	require.NoError(t, err)
	a := New(id, domain.Config{}, s, h.deps)
	a.OnExit(func(*Agent) { close(exited) })
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("agent did not self-destroy")
	}
	<-a.Done()
	assert.Equal(t, domain.StatusDestroyed, a.Status())
	assert.True(t, h.dialer.Session(id.ID).Closed())
	assert.False(t, h.deps.Artifacts.Exists(id.ID))
}

func TestAgent_StopKeepsArtifacts(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, notifyBot(), domain.Config{})

	st, err := a.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, st)
	assert.True(t, s.Closed())
	assert.True(t, h.deps.Artifacts.Exists("bot-n"))

	// Повторная остановка ничего не делает
	st, err = a.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, st)
}

func TestAgent_DestroyPurges(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, notifyBot(), domain.Config{})

	st, err := a.Destroy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDestroyed, st)
	assert.True(t, s.Closed())
	assert.False(t, h.deps.Artifacts.Exists("bot-n"))
}

func TestAgent_ConflictThenReconnect(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, notifyBot(), domain.Config{})

	s.Emit(transport.Event{Kind: transport.EventConflict})
	waitStatus(t, a, domain.StatusConflict)

	s.Emit(transport.Event{Kind: transport.EventConnected})
	waitStatus(t, a, domain.StatusOnline)
}

func TestAgent_DisconnectDestroys(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, notifyBot(), domain.Config{})

	s.Emit(transport.Event{Kind: transport.EventDisconnected, Reason: "logout"})
	<-a.Done()
	assert.Equal(t, domain.StatusDestroyed, a.Status())
	assert.False(t, h.deps.Artifacts.Exists("bot-n"))

	// Операции после завершения не доходят до транспорта
	assert.ErrorIs(t, a.SendText(context.Background(), userID, "oi"), domain.ErrNotFound)
	assert.ErrorIs(t, a.UpdateConfig(context.Background(), domain.Config{}), domain.ErrNotFound)
}

func TestAgent_ConnectFailureGoesOffline(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	id := notifyBot()
	s, err := h.dialer.Dial(id)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	exited := false
	a := New(id, domain.Config{}, s, h.deps)
	a.OnExit(func(*Agent) { exited = true })

	err = a.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Equal(t, domain.StatusOffline, a.Status())
	assert.True(t, exited)
	<-a.Done()
}

func TestAgent_StopBeforeStart(t *testing.T) {
	for _, tc := range []struct {
		name      string
		shutdown  func(a *Agent) (domain.Status, error)
		want      domain.Status
		artifacts bool
	}{
		{"stop", func(a *Agent) (domain.Status, error) { return a.Stop(context.Background()) }, domain.StatusOffline, true},
		{"destroy", func(a *Agent) (domain.Status, error) { return a.Destroy(context.Background()) }, domain.StatusDestroyed, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, transport.VariantPrimary)
			id := notifyBot()
			require.NoError(t, h.fs.MkdirAll(h.deps.Artifacts.Dir(id.ID), 0o755))
			s, err := h.dialer.Dial(id)
			require.NoError(t, err)

			exited := false
			a := New(id, domain.Config{}, s, h.deps)
			a.OnExit(func(*Agent) { exited = true })

			// Реестр помечает агента уходящим до того, как успел вызвать Start
			require.True(t, a.BeginShutdown())
			st, err := tc.shutdown(a)
			require.NoError(t, err)
			assert.Equal(t, tc.want, st)
			assert.True(t, exited)

			select {
			case <-a.Done():
			default:
				t.Fatal("agent is not done after shutdown")
			}

			err = a.Start(context.Background())
			require.ErrorIs(t, err, domain.ErrNotFound)
			assert.Equal(t, tc.want, a.Status())
			assert.True(t, h.dialer.Session(id.ID).Closed())
			assert.Equal(t, tc.artifacts, h.deps.Artifacts.Exists(id.ID))
			assert.Equal(t, []domain.Status{tc.want}, h.store.history())
		})
	}
}

func TestAgent_EmergencyVariant(t *testing.T) {
	h := newHarness(t, transport.VariantEmergency)
	a, s := h.start(t, promoterBot(), domain.Config{})
	assert.Equal(t, domain.StatusEmergency, a.Status())

	s.Ready()
	require.Eventually(t, func() bool { return a.Number() == botNumber }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusEmergency, a.Status())

	_, err := a.CreateGroup(context.Background(), domain.CreateGroupRequest{Title: "x"})
	assert.ErrorIs(t, err, domain.ErrActionUnsupported)
	assert.ErrorIs(t, a.AddParticipant(context.Background(), groupID, userID), domain.ErrActionUnsupported)
	assert.NoError(t, a.SendText(context.Background(), userID, "oi"))
}

func TestAgent_UpdateConfig(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, notifyBot(), domain.Config{})

	cfg := domain.Config{AutoReplyPermission: true, AutoReplyText: "Já respondo"}
	require.NoError(t, a.UpdateConfig(context.Background(), cfg))
	assert.Equal(t, cfg, a.Config())
	assert.Equal(t, domain.StatusOnline, a.Status())

	before := len(s.Sent())
	s.Emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID: "1", From: transport.UserAddr(userID), Body: "olá",
	}})
	sent := waitSent(t, s, before+1)
	assert.Equal(t, "Já respondo", sent[before].Text)
	assert.Equal(t, transport.UserAddr(userID), sent[before].To)
}

func TestAgent_NotifyRelaysMessages(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	cfg := domain.Config{QueuePermission: true, QueueMessages: "inbox"}
	_, s := h.startReady(t, notifyBot(), cfg)

	s.Emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		From: transport.UserAddr(botNumber), Body: "eco",
	}})
	s.Emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		From: transport.UserAddr(userID), Body: "texto",
	}})
	s.Emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		From: transport.GroupAddr(groupID), Author: transport.UserAddr(userID), Body: "foto", HasMedia: true,
	}})

	require.Eventually(t, func() bool { return len(h.notifier.relayed("inbox")) == 2 }, time.Second, 5*time.Millisecond)
	msgs := h.notifier.relayed("inbox")
	assert.Equal(t, "texto", msgs[0].Message)
	assert.Equal(t, userID, msgs[0].From)
	assert.Empty(t, msgs[0].GroupID)
	assert.Equal(t, "MEDIA$text=foto", msgs[1].Message)
	assert.Equal(t, groupID, msgs[1].GroupID)
	assert.False(t, msgs[1].CreatedAt.IsZero())
}

func TestAgent_RejectsCalls(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, notifyBot(), domain.Config{CallRejectText: "Não atendo ligações"})
	before := len(s.Sent())

	s.Emit(transport.Event{Kind: transport.EventCall, Call: &transport.Call{ID: "c1", From: transport.UserAddr(userID)}})
	sent := waitSent(t, s, before+1)
	assert.Equal(t, []string{"c1"}, s.Rejected())
	assert.Equal(t, "Não atendo ligações", sent[before].Text)

	require.NoError(t, a.UpdateConfig(context.Background(), domain.Config{CallPermission: true}))
	s.Emit(transport.Event{Kind: transport.EventCall, Call: &transport.Call{ID: "c2", From: transport.UserAddr(userID)}})
	flush(t, a, s)
	assert.Equal(t, []string{"c1"}, s.Rejected())
}

func promoterGroup() domain.Group {
	return domain.Group{
		ID: groupID,
		Participants: []domain.Participant{
			{ID: botNumber, IsAdmin: true},
			{ID: adminID, IsAdmin: true},
			{ID: userID},
		},
	}
}

func groupMsg(from, body string, at time.Time) transport.Event {
	return transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID:        body,
		From:      transport.GroupAddr(groupID),
		Author:    transport.UserAddr(from),
		Body:      body,
		Timestamp: at,
	}}
}

func hasParticipant(t *testing.T, s *transport.MemorySession, id string) bool {
	t.Helper()
	g, err := s.GetGroup(context.Background(), groupID)
	require.NoError(t, err)
	return slices.ContainsFunc(g.Participants, func(p domain.Participant) bool { return p.ID == id })
}

func TestAgent_FloodRemovesUser(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	cfg := domain.Config{FloodGuard: true, FloodWarning: "Sem flood!"}
	a, s := h.startReady(t, promoterBot(), cfg)
	s.PutGroup(promoterGroup())
	before := len(s.Sent())

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := range 6 {
		s.Emit(groupMsg(userID, "/comandos", base.Add(time.Duration(i)*10*time.Second)))
	}

	require.Eventually(t, func() bool { return !hasParticipant(t, s, userID) }, time.Second, 5*time.Millisecond)
	sent := s.Sent()[before:]

	// Пять ответов на /comandos, шестое сообщение подавлено санкцией
	var help, warnings int
	for _, m := range sent {
		switch {
		case m.Text == "Sem flood!":
			warnings++
			assert.Equal(t, []string{userID}, m.Opts.Mentions)
		case strings.Contains(m.Text, "Meus comandos"):
			help++
		}
	}
	assert.Equal(t, 1, warnings)
	assert.Equal(t, 5, help)
	require.Eventually(t, func() bool { return a.guard.Tracked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAgent_FloodGuardDisabled(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	a, s := h.startReady(t, promoterBot(), domain.Config{})
	s.PutGroup(promoterGroup())

	at := time.Now()
	for range 6 {
		s.Emit(groupMsg(userID, "x", at))
	}
	flush(t, a, s)
	assert.True(t, hasParticipant(t, s, userID))
}

func TestAgent_OversizeBlocksOnlyMembers(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	h.deps.Settings.OversizeLimit = 10
	a, s := h.startReady(t, promoterBot(), domain.Config{BlockOversize: true})
	s.PutGroup(promoterGroup())

	long := strings.Repeat("á", 11)
	s.Emit(groupMsg(adminID, long, time.Now()))
	s.Emit(groupMsg(userID, strings.Repeat("a", 10), time.Now()))
	flush(t, a, s)
	assert.True(t, hasParticipant(t, s, adminID))
	assert.True(t, hasParticipant(t, s, userID))

	s.Emit(groupMsg(userID, long, time.Now()))
	require.Eventually(t, func() bool { return !hasParticipant(t, s, userID) }, time.Second, 5*time.Millisecond)
}

func TestAgent_WelcomeAndLeave(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	cfg := domain.Config{WelcomeText: "Bem-vindo!", LeaveText: "Tchau!"}
	_, s := h.startReady(t, promoterBot(), cfg)
	before := len(s.Sent())

	s.Emit(transport.Event{Kind: transport.EventGroupJoin, GroupID: groupID, Participant: transport.UserAddr(botNumber)})
	s.Emit(transport.Event{Kind: transport.EventGroupJoin, GroupID: groupID, Participant: transport.UserAddr(userID)})
	s.Emit(transport.Event{Kind: transport.EventGroupLeave, GroupID: groupID, Participant: transport.UserAddr(userID)})

	sent := waitSent(t, s, before+2)[before:]
	require.Len(t, sent, 2)
	assert.Equal(t, "Bem-vindo!", sent[0].Text)
	assert.Equal(t, transport.GroupAddr(groupID), sent[0].To)
	assert.Equal(t, []string{userID}, sent[0].Opts.Mentions)
	assert.Equal(t, "Tchau!", sent[1].Text)
}

func TestAgent_GroupOperations(t *testing.T) {
	h := newHarness(t, transport.VariantPrimary)
	h.deps.Settings.MaxGroupParticipants = 4
	a, s := h.startReady(t, promoterBot(), domain.Config{})
	ctx := context.Background()

	g, err := a.CreateGroup(ctx, domain.CreateGroupRequest{Title: "Promo", Description: "ofertas", Admins: []string{"5533", adminID}})
	require.NoError(t, err)
	assert.Equal(t, "bot-p", g.BotID)
	assert.Len(t, g.Participants, 3)
	assert.True(t, g.IsAdmin("5533"))
	assert.True(t, g.IsAdmin(adminID))
	assert.Equal(t, "ofertas", g.Description)

	require.NoError(t, a.AddParticipant(ctx, g.ID, userID))
	assert.ErrorIs(t, a.AddParticipant(ctx, g.ID, "5544"), domain.ErrMaxParticipants)

	require.NoError(t, a.RemoveParticipant(ctx, g.ID, botNumber))
	got, err := a.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAdmin(botNumber))

	require.NoError(t, a.DeleteGroup(ctx, g.ID))
	assert.ErrorIs(t, a.DeleteGroup(ctx, g.ID), domain.ErrGroupNotDeleted)

	s.FailSends(errors.New("boom"))
	assert.ErrorIs(t, a.RemoveParticipant(ctx, groupID, userID), domain.ErrUserNotRemoved)
}
