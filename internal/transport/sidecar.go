package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Сервис сайдкара, который держит реальную сессию в сети.
// Методы принимают и возвращают google.protobuf.Struct, поэтому
// сгенерированный клиент не нужен.
const servicePrefix = "/botfleet.transport.v1.Session/"

var eventsStream = &grpc.StreamDesc{StreamName: "Events", ServerStreams: true}

// SidecarDialer создаёт сессии поверх одного gRPC-соединения к сайдкару.
type SidecarDialer struct {
	conn    grpc.ClientConnInterface
	variant Variant
	timeout time.Duration
	backoff backoff
	logger  *zap.Logger
}

// backoff - пауза перед переподпиской на поток событий, удваивается до max.
type backoff struct {
	base time.Duration
	max  time.Duration
}

func NewSidecarDialer(conn grpc.ClientConnInterface, variant Variant, timeout time.Duration, logger *zap.Logger) *SidecarDialer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SidecarDialer{
		conn:    conn,
		variant: variant,
		timeout: timeout,
		backoff: backoff{base: time.Second, max: 30 * time.Second},
		logger:  logger.Named("sidecar").With(zap.String("variant", string(variant))),
	}
}

// WithReconnectBackoff задаёт паузы переподписки после обрыва потока событий.
func (d *SidecarDialer) WithReconnectBackoff(base, maxDelay time.Duration) *SidecarDialer {
	if base > 0 {
		d.backoff.base = base
	}
	if maxDelay >= d.backoff.base {
		d.backoff.max = maxDelay
	}
	return d
}

func (d *SidecarDialer) Dial(identity domain.Identity) (Session, error) {
	return &sidecarSession{
		conn:     d.conn,
		variant:  d.variant,
		timeout:  d.timeout,
		backoff:  d.backoff,
		identity: identity,
		events:   make(chan Event, 64),
		logger:   d.logger.With(zap.String("bot_id", identity.ID)),
	}, nil
}

type sidecarSession struct {
	conn     grpc.ClientConnInterface
	variant  Variant
	timeout  time.Duration
	backoff  backoff
	identity domain.Identity
	events   chan Event
	logger   *zap.Logger

	self   atomic.Value // string
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *sidecarSession) Variant() Variant      { return s.variant }
func (s *sidecarSession) Events() <-chan Event { return s.events }

func (s *sidecarSession) Self() string {
	if v, ok := s.self.Load().(string); ok {
		return v
	}
	return ""
}

func (s *sidecarSession) unsupported() bool { return s.variant == VariantEmergency }

// call выполняет унарный вызов сайдкара с защитным таймаутом.
func (s *sidecarSession) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["session"] = s.identity.ID
	fields["variant"] = string(s.variant)

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("sidecar: build %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, servicePrefix+method, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransportFailure, method, err)
	}
	if msg := resp.GetFields()["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrTransportFailure, method, msg)
	}
	return resp, nil
}

func (s *sidecarSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	// Поток живёт дольше запроса, поэтому отдельный контекст
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.subscribe(ctx, streamCtx)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	go s.pump(streamCtx, stream)
	return nil
}

// subscribe регистрирует сессию в сайдкаре и открывает поток её событий.
// Регистрация идемпотентна: после рестарта сайдкара сессия поднимается из сохранённых данных.
func (s *sidecarSession) subscribe(ctx, streamCtx context.Context) (grpc.ClientStream, error) {
	// 1. Регистрируем сессию в сайдкаре
	if _, err := s.call(ctx, "Connect", map[string]any{
		"name":        s.identity.Name,
		"description": s.identity.Description,
	}); err != nil {
		return nil, err
	}

	// 2. Подписываемся на события
	stream, err := s.conn.NewStream(streamCtx, eventsStream, servicePrefix+"Events")
	if err != nil {
		return nil, fmt.Errorf("%w: open events: %v", domain.ErrTransportFailure, err)
	}
	req, _ := structpb.NewStruct(map[string]any{"session": s.identity.ID})
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("%w: subscribe events: %v", domain.ErrTransportFailure, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("%w: subscribe events: %v", domain.ErrTransportFailure, err)
	}
	return stream, nil
}

// pump отдаёт события агенту. Обрыв потока (рестарт сайдкара, сеть) - временный сбой:
// переподписываемся с backoff. Терминальный disconnected приходит только от самого сайдкара.
func (s *sidecarSession) pump(ctx context.Context, stream grpc.ClientStream) {
	for {
		err := s.drain(ctx, stream)
		if ctx.Err() != nil {
			return // Закрыли сами
		}
		s.logger.Warn("sidecar event stream lost, resubscribing", zap.Error(err))

		if stream = s.resubscribe(ctx); stream == nil {
			return
		}
		s.logger.Info("sidecar event stream restored")
	}
}

func (s *sidecarSession) drain(ctx context.Context, stream grpc.ClientStream) error {
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by sidecar")
			}
			return err
		}

		ev := decodeEvent(msg)
		if ev.Kind == EventReady {
			s.self.Store(StripAddr(msg.GetFields()["self"].GetStringValue()))
		}
		s.emit(ctx, ev)
	}
}

// resubscribe повторяет подписку до успеха или закрытия сессии. nil - сессия закрыта.
func (s *sidecarSession) resubscribe(ctx context.Context) grpc.ClientStream {
	delay := s.backoff.base
	for {
		if !sleep(ctx, delay) {
			return nil
		}
		stream, err := s.subscribe(ctx, ctx)
		if err == nil {
			return stream
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("sidecar resubscribe failed", zap.Duration("delay", delay), zap.Error(err))
		delay = min(delay*2, s.backoff.max)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *sidecarSession) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *sidecarSession) SetProfile(ctx context.Context, p Profile) error {
	fields := map[string]any{"about": p.About}
	// Резервный транспорт умеет только статус
	if !s.unsupported() {
		fields["name"] = p.Name
		fields["image_url"] = p.ImageURL
	}
	_, err := s.call(ctx, "SetProfile", fields)
	return err
}

func (s *sidecarSession) SendText(ctx context.Context, to, text string, opts SendOptions) error {
	_, err := s.call(ctx, "SendText", map[string]any{
		"to":       to,
		"text":     text,
		"mentions": toAnyList(opts.Mentions),
		"quoted":   opts.QuotedID,
	})
	return err
}

func (s *sidecarSession) SendMedia(ctx context.Context, to string, media Media, opts SendOptions) error {
	if s.unsupported() {
		return domain.ErrActionUnsupported
	}
	_, err := s.call(ctx, "SendMedia", map[string]any{
		"to":         to,
		"url":        media.URL,
		"path":       media.Path,
		"mime":       media.Mime,
		"caption":    media.Caption,
		"as_sticker": media.AsSticker,
		"mentions":   toAnyList(opts.Mentions),
		"quoted":     opts.QuotedID,
	})
	return err
}

func (s *sidecarSession) RejectCall(ctx context.Context, callID string) error {
	if s.unsupported() {
		return domain.ErrActionUnsupported
	}
	_, err := s.call(ctx, "RejectCall", map[string]any{"call_id": callID})
	return err
}

func (s *sidecarSession) CreateGroup(ctx context.Context, title string, participants []string) (string, error) {
	if s.unsupported() {
		return "", domain.ErrActionUnsupported
	}
	resp, err := s.call(ctx, "CreateGroup", map[string]any{
		"title":        title,
		"participants": toAnyList(participants),
	})
	if err != nil {
		return "", err
	}
	return StripAddr(resp.GetFields()["group_id"].GetStringValue()), nil
}

func (s *sidecarSession) ConfigureGroup(ctx context.Context, groupID string, gs GroupSettings) error {
	if s.unsupported() {
		return domain.ErrActionUnsupported
	}
	_, err := s.call(ctx, "ConfigureGroup", map[string]any{
		"group_id":    groupID,
		"description": gs.Description,
		"admins_only": gs.AdminsOnly,
		"promote":     toAnyList(gs.Promote),
		"image_url":   gs.ImageURL,
	})
	return err
}

func (s *sidecarSession) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	if s.unsupported() {
		return nil, domain.ErrActionUnsupported
	}
	resp, err := s.call(ctx, "GetGroup", map[string]any{"group_id": groupID})
	if err != nil {
		return nil, err
	}
	return decodeGroup(s.identity.ID, resp), nil
}

func (s *sidecarSession) AddParticipant(ctx context.Context, groupID, id string) error {
	if s.unsupported() {
		return domain.ErrActionUnsupported
	}
	_, err := s.call(ctx, "AddParticipant", map[string]any{"group_id": groupID, "participant": id})
	return err
}

func (s *sidecarSession) RemoveParticipant(ctx context.Context, groupID, id string) error {
	if s.unsupported() {
		return domain.ErrActionUnsupported
	}
	_, err := s.call(ctx, "RemoveParticipant", map[string]any{"group_id": groupID, "participant": id})
	return err
}

func (s *sidecarSession) DeleteGroup(ctx context.Context, groupID string) error {
	if s.unsupported() {
		return domain.ErrActionUnsupported
	}
	_, err := s.call(ctx, "DeleteGroup", map[string]any{"group_id": groupID})
	return err
}

func (s *sidecarSession) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_, err := s.call(ctx, "Close", nil)
	return err
}

func toAnyList(items []string) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	return out
}

func decodeEvent(msg *structpb.Struct) Event {
	f := msg.GetFields()
	ev := Event{
		Kind:        EventKind(f["kind"].GetStringValue()),
		Reason:      f["reason"].GetStringValue(),
		QR:          f["qr"].GetStringValue(),
		GroupID:     StripAddr(f["group_id"].GetStringValue()),
		Participant: StripAddr(f["participant"].GetStringValue()),
	}

	if m := f["message"].GetStructValue(); m != nil {
		mf := m.GetFields()
		ev.Message = &Message{
			ID:        mf["id"].GetStringValue(),
			From:      mf["from"].GetStringValue(),
			Author:    mf["author"].GetStringValue(),
			Body:      mf["body"].GetStringValue(),
			HasMedia:  mf["has_media"].GetBoolValue(),
			Timestamp: time.UnixMilli(int64(mf["timestamp"].GetNumberValue())),
		}
	}
	if c := f["call"].GetStructValue(); c != nil {
		ev.Call = &Call{
			ID:   c.GetFields()["id"].GetStringValue(),
			From: c.GetFields()["from"].GetStringValue(),
		}
	}
	return ev
}

func decodeGroup(botID string, resp *structpb.Struct) *domain.Group {
	f := resp.GetFields()
	g := &domain.Group{
		ID:          StripAddr(f["id"].GetStringValue()),
		BotID:       botID,
		Title:       f["title"].GetStringValue(),
		Description: f["description"].GetStringValue(),
		ImageURL:    f["image_url"].GetStringValue(),
	}
	for _, v := range f["participants"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		g.Participants = append(g.Participants, domain.Participant{
			ID:      StripAddr(pf["id"].GetStringValue()),
			IsAdmin: pf["is_admin"].GetBoolValue(),
		})
	}
	return g
}
