package bot

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/command"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

// onGroupMessage - антифлуд, затем диспетчер команд.
func (a *Agent) onGroupMessage(ctx context.Context, cfg *domain.Config, m *transport.Message) {
	groupID := transport.StripAddr(m.From)
	group, err := a.session.GetGroup(ctx, groupID)
	if err != nil {
		a.logger.Warn("failed to read group", zap.String("group", groupID), zap.Error(err))
		return
	}

	sender := m.Sender()
	sanctioned := false

	if cfg.FloodGuard && a.guard.Observe(sender, m.Body, a.messageTime(m)) {
		a.sanction(ctx, cfg, group, sender, "flood")
		sanctioned = true
	}
	if !sanctioned && cfg.BlockOversize && !group.IsAdmin(sender) &&
		utf8.RuneCountInString(m.Body) > a.settings.OversizeLimit {
		a.sanction(ctx, cfg, group, sender, "oversize")
		sanctioned = true
	}

	if sanctioned && a.settings.FloodSuppressesCommands {
		return
	}

	res := a.dispatcher.Dispatch(ctx, a.session, command.Request{
		BotName:   a.identity.Name,
		BotNumber: a.Number(),
		Group:     group,
		Message:   m,
		Keywords:  cfg.Keywords,
	})
	if res.Command != "" {
		a.logger.Debug("command executed", zap.String("command", res.Command), zap.String("group", groupID))
	}
}

func (a *Agent) messageTime(m *transport.Message) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return a.deps.Now()
}

// sanction - предупреждение с упоминанием и удаление участника из группы.
func (a *Agent) sanction(ctx context.Context, cfg *domain.Config, group *domain.Group, user, reason string) {
	a.logger.Info("removing participant",
		zap.String("group", group.ID), zap.String("user", user), zap.String("reason", reason))

	to := transport.GroupAddr(group.ID)
	if cfg.FloodWarning != "" {
		opts := transport.SendOptions{Mentions: []string{user}}
		if err := a.session.SendText(ctx, to, cfg.FloodWarning, opts); err != nil {
			a.logger.Warn("failed to send flood warning", zap.Error(err))
		}
	}
	if err := a.session.RemoveParticipant(ctx, group.ID, user); err != nil {
		a.logger.Warn("failed to remove participant", zap.String("user", user), zap.Error(err))
	}
	a.guard.Forget(user)
	if a.deps.Metrics != nil {
		a.deps.Metrics.FloodSanctions.Inc()
	}
}

// onMembership - приветствие или прощание с упоминанием участника.
func (a *Agent) onMembership(ctx context.Context, ev transport.Event) {
	user := transport.StripAddr(ev.Participant)
	if user == "" || user == a.Number() {
		return
	}
	cfg := a.cfg.Load()
	text := cfg.WelcomeText
	if ev.Kind == transport.EventGroupLeave {
		text = cfg.LeaveText
		a.guard.Forget(user)
	}
	if text == "" {
		return
	}
	to := transport.GroupAddr(ev.GroupID)
	if err := a.session.SendText(ctx, to, text, transport.SendOptions{Mentions: []string{user}}); err != nil {
		a.logger.Warn("failed to greet participant", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
