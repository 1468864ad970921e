package bot

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Префикс, с которым медиа-сообщение уходит в очередь входящих.
const mediaPrefix = "MEDIA$text="

// handleEvent обрабатывает событие сессии. true - агент завершён, цикл выходит.
func (a *Agent) handleEvent(ev transport.Event) bool {
	ctx := a.ctx

	switch ev.Kind {
	case transport.EventQR:
		a.mu.Lock()
		a.qr = ev.QR
		a.mu.Unlock()
		a.logger.Debug("qr code received")

	case transport.EventReady:
		a.onReady(ctx)

	case transport.EventConflict:
		a.setStatus(ctx, domain.StatusConflict)

	case transport.EventConnected:
		if a.Status() == domain.StatusConflict {
			a.setStatus(ctx, a.onlineStatus())
		}

	case transport.EventDisconnected:
		a.logger.Warn("transport disconnected", zap.String("reason", ev.Reason))
		a.closing.Store(true)
		a.teardown(domain.StatusDestroyed, true)
		return true

	case transport.EventMessage:
		if ev.Message != nil {
			a.onMessage(ctx, ev.Message)
		}

	case transport.EventCall:
		if ev.Call != nil {
			a.onCall(ctx, ev.Call)
		}

	case transport.EventGroupJoin, transport.EventGroupLeave:
		if a.identity.Kind == domain.KindPromoter {
			a.onMembership(ctx, ev)
		}
	}
	return false
}

// onReady - сессия подтверждена: адрес, статус, профиль, приветствие суперадминам.
// Ошибки профиля и рассылки не мешают агенту работать.
func (a *Agent) onReady(ctx context.Context) {
	number := transport.StripAddr(a.session.Self())
	a.mu.Lock()
	a.number = number
	a.qr = ""
	a.mu.Unlock()

	if a.deps.Store != nil && number != "" {
		if err := a.deps.Store.UpdateNumber(ctx, a.identity.ID, number); err != nil {
			a.logger.Warn("failed to persist number", zap.Error(err))
		}
	}

	a.setStatus(ctx, a.onlineStatus())

	profile := transport.Profile{
		Name:     a.identity.Name,
		About:    a.identity.Description,
		ImageURL: a.identity.ProfileImage,
	}
	if err := a.session.SetProfile(ctx, profile); err != nil {
		a.logger.Warn("failed to set profile", zap.Error(err))
	}

	greeting := "*Bot " + strings.ToUpper(a.identity.Name) + " Initialized*"
	for _, admin := range a.identity.SuperAdmins {
		if err := a.session.SendText(ctx, transport.UserAddr(admin), greeting, transport.SendOptions{}); err != nil {
			a.logger.Warn("failed to greet super admin", zap.String("admin", admin), zap.Error(err))
		}
	}
	a.logger.Info("session ready", zap.String("number", number))
}

func (a *Agent) onMessage(ctx context.Context, m *transport.Message) {
	self := a.Number()
	if self != "" && m.Sender() == self {
		return
	}
	cfg := a.cfg.Load()

	if a.identity.Kind == domain.KindNotify && cfg.QueuePermission && cfg.QueueMessages != "" {
		a.relay(ctx, cfg, m)
	}

	if !m.IsGroup() {
		if cfg.AutoReplyPermission && cfg.AutoReplyText != "" {
			if err := a.session.SendText(ctx, m.From, cfg.AutoReplyText, transport.SendOptions{}); err != nil {
				a.logger.Warn("auto reply failed", zap.Error(err))
			}
		}
		return
	}

	if a.identity.Kind == domain.KindPromoter {
		a.onGroupMessage(ctx, cfg, m)
	}
}

// relay ретранслирует входящее в очередь сообщений.
func (a *Agent) relay(ctx context.Context, cfg *domain.Config, m *transport.Message) {
	if a.deps.Notifier == nil {
		return
	}
	body := m.Body
	if m.HasMedia {
		body = mediaPrefix + body
	}
	msg := domain.InboundMessage{
		BotID:     a.identity.ID,
		From:      m.Sender(),
		Message:   body,
		CreatedAt: m.Timestamp,
	}
	if m.IsGroup() {
		msg.GroupID = transport.StripAddr(m.From)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = a.deps.Now()
	}
	if err := a.deps.Notifier.PublishMessage(ctx, cfg.QueueMessages, msg); err != nil {
		a.logger.Warn("failed to relay message", zap.String("queue", cfg.QueueMessages), zap.Error(err))
	}
}

func (a *Agent) onCall(ctx context.Context, c *transport.Call) {
	cfg := a.cfg.Load()
	if cfg.CallPermission {
		return
	}
	if err := a.session.RejectCall(ctx, c.ID); err != nil {
		a.logger.Warn("failed to reject call", zap.String("from", c.From), zap.Error(err))
		return
	}
	if cfg.CallRejectText == "" {
		return
	}
	if err := a.session.SendText(ctx, c.From, cfg.CallRejectText, transport.SendOptions{}); err != nil {
		a.logger.Warn("failed to send call reject text", zap.Error(err))
	}
}
