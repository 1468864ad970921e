package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Sent - исходящее сообщение, записанное сессией в памяти.
type Sent struct {
	To    string
	Text  string
	Media *Media
	Opts  SendOptions
}

// MemoryDialer - транспорт внутри процесса: локальная разработка и тесты.
type MemoryDialer struct {
	variant   Variant
	autoReady bool

	mu       sync.Mutex
	numbers  map[string]string
	sessions map[string]*MemorySession
	dialErr  error
	seq      int
}

// NewMemoryDialer создаёт транспорт в памяти. autoReady=true сразу после Connect
// присылает qr и ready, как будто оператор отсканировал код.
func NewMemoryDialer(variant Variant, autoReady bool) *MemoryDialer {
	return &MemoryDialer{
		variant:   variant,
		autoReady: autoReady,
		numbers:   make(map[string]string),
		sessions:  make(map[string]*MemorySession),
	}
}

// SetNumber задаёт адрес, который сеть выдаст боту при готовности.
func (d *MemoryDialer) SetNumber(botID, number string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numbers[botID] = number
}

// FailDial заставляет следующие Dial возвращать err (nil - снять).
func (d *MemoryDialer) FailDial(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Session возвращает последнюю сессию, выданную боту.
func (d *MemoryDialer) Session(botID string) *MemorySession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[botID]
}

func (d *MemoryDialer) Dial(identity domain.Identity) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}

	number, ok := d.numbers[identity.ID]
	if !ok {
		d.seq++
		number = fmt.Sprintf("55119%08d", d.seq)
	}

	s := &MemorySession{
		variant:   d.variant,
		identity:  identity,
		number:    number,
		autoReady: d.autoReady,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		groups:    make(map[string]*domain.Group),
	}
	d.sessions[identity.ID] = s
	return s, nil
}

type MemorySession struct {
	variant   Variant
	identity  domain.Identity
	number    string
	autoReady bool
	events    chan Event
	done      chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	self      string
	profile   Profile
	sent      []Sent
	rejected  []string
	groups    map[string]*domain.Group
	groupSeq  int
	sendErr   error
}

func (s *MemorySession) Variant() Variant     { return s.variant }
func (s *MemorySession) Events() <-chan Event { return s.events }

func (s *MemorySession) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *MemorySession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session closed", domain.ErrTransportFailure)
	}
	s.connected = true
	s.mu.Unlock()

	if s.autoReady {
		go func() {
			s.Emit(Event{Kind: EventQR, QR: "memory-qr-" + s.identity.ID})
			s.Ready()
		}()
	}
	return nil
}

// Emit доставляет событие агенту. После Close событие отбрасывается.
func (s *MemorySession) Emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Ready имитирует готовность сессии: адрес становится известен, приходит ready.
func (s *MemorySession) Ready() {
	s.mu.Lock()
	s.self = s.number
	s.mu.Unlock()
	s.Emit(Event{Kind: EventReady})
}

// FailSends заставляет исходящие вызовы возвращать err (nil - снять).
func (s *MemorySession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *MemorySession) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

func (s *MemorySession) Rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rejected)
}

func (s *MemorySession) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *MemorySession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// PutGroup кладёт группу в «сеть», как будто бот в ней уже состоит.
func (s *MemorySession) PutGroup(g domain.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.Participants = slices.Clone(g.Participants)
	s.groups[g.ID] = &g
}

func (s *MemorySession) check() error {
	if s.closed {
		return fmt.Errorf("%w: session closed", domain.ErrTransportFailure)
	}
	return s.sendErr
}

func (s *MemorySession) groupOp() error {
	if s.variant == VariantEmergency {
		return domain.ErrActionUnsupported
	}
	return s.check()
}

func (s *MemorySession) SetProfile(_ context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.profile = p
	return nil
}

func (s *MemorySession) SendText(_ context.Context, to, text string, opts SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.sent = append(s.sent, Sent{To: to, Text: text, Opts: opts})
	return nil
}

func (s *MemorySession) SendMedia(_ context.Context, to string, media Media, opts SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return err
	}
	s.sent = append(s.sent, Sent{To: to, Text: media.Caption, Media: &media, Opts: opts})
	return nil
}

func (s *MemorySession) RejectCall(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return err
	}
	s.rejected = append(s.rejected, callID)
	return nil
}

func (s *MemorySession) CreateGroup(_ context.Context, title string, participants []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return "", err
	}

	s.groupSeq++
	id := fmt.Sprintf("1203630%s%04d", s.number, s.groupSeq)
	g := &domain.Group{
		ID:        id,
		BotID:     s.identity.ID,
		Title:     title,
		CreatedAt: time.Now(),
	}
	g.Participants = append(g.Participants, domain.Participant{ID: s.number, IsAdmin: true})
	for _, p := range participants {
		g.Participants = append(g.Participants, domain.Participant{ID: StripAddr(p)})
	}
	s.groups[id] = g
	return id, nil
}

func (s *MemorySession) ConfigureGroup(_ context.Context, groupID string, gs GroupSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: unknown group %s", domain.ErrTransportFailure, groupID)
	}
	if gs.Description != "" {
		g.Description = gs.Description
	}
	if gs.ImageURL != "" {
		g.ImageURL = gs.ImageURL
	}
	for _, addr := range gs.Promote {
		id := StripAddr(addr)
		for i := range g.Participants {
			if g.Participants[i].ID == id {
				g.Participants[i].IsAdmin = true
			}
		}
	}
	return nil
}

func (s *MemorySession) GetGroup(_ context.Context, groupID string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return nil, err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group %s", domain.ErrTransportFailure, groupID)
	}
	out := *g
	out.Participants = slices.Clone(g.Participants)
	return &out, nil
}

func (s *MemorySession) AddParticipant(_ context.Context, groupID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: unknown group %s", domain.ErrTransportFailure, groupID)
	}
	g.Participants = append(g.Participants, domain.Participant{ID: StripAddr(id)})
	return nil
}

func (s *MemorySession) RemoveParticipant(_ context.Context, groupID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: unknown group %s", domain.ErrTransportFailure, groupID)
	}
	id = StripAddr(id)
	g.Participants = slices.DeleteFunc(g.Participants, func(p domain.Participant) bool { return p.ID == id })
	return nil
}

func (s *MemorySession) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.groupOp(); err != nil {
		return err
	}
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("%w: unknown group %s", domain.ErrTransportFailure, groupID)
	}
	delete(s.groups, groupID)
	return nil
}

func (s *MemorySession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	close(s.done)
	return nil
}
