package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Операции Control Plane. Вызываются из любых горутин, сессия потокобезопасна.

func (a *Agent) alive() error {
	select {
	case <-a.done:
		return fmt.Errorf("agent %s: %w", a.identity.ID, domain.ErrNotFound)
	default:
	}
	if a.closing.Load() {
		return fmt.Errorf("agent %s: %w", a.identity.ID, domain.ErrNotFound)
	}
	return nil
}

// passUnsupported оставляет ErrActionUnsupported узнаваемым для API.
func passUnsupported(err, fallback error) error {
	if errors.Is(err, domain.ErrActionUnsupported) {
		return err
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func (a *Agent) SendText(ctx context.Context, to, text string) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.session.SendText(ctx, transport.UserAddr(to), text, transport.SendOptions{})
}

func (a *Agent) SendMedia(ctx context.Context, to string, media transport.Media) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.session.SendMedia(ctx, transport.UserAddr(to), media, transport.SendOptions{})
}

func (a *Agent) SendToGroup(ctx context.Context, groupID, text string) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.session.SendText(ctx, transport.GroupAddr(groupID), text, transport.SendOptions{})
}

func (a *Agent) SendMediaToGroup(ctx context.Context, groupID string, media transport.Media) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.session.SendMedia(ctx, transport.GroupAddr(groupID), media, transport.SendOptions{})
}

// CreateGroup создаёт группу с администраторами запроса и суперадминами бота,
// повышает их, закрывает настройки для админов. Аватар ставится в фоне.
func (a *Agent) CreateGroup(ctx context.Context, req domain.CreateGroupRequest) (*domain.Group, error) {
	if err := a.alive(); err != nil {
		return nil, err
	}

	admins := make([]string, 0, len(req.Admins)+len(a.identity.SuperAdmins))
	for _, id := range slices.Concat(req.Admins, a.identity.SuperAdmins) {
		id = transport.StripAddr(id)
		if id != "" && !slices.Contains(admins, id) {
			admins = append(admins, id)
		}
	}
	addrs := make([]string, len(admins))
	for i, id := range admins {
		addrs[i] = transport.UserAddr(id)
	}

	groupID, err := a.session.CreateGroup(ctx, req.Title, addrs)
	if err != nil {
		return nil, err
	}

	settings := transport.GroupSettings{Description: req.Description, AdminsOnly: true, Promote: addrs}
	if err := a.session.ConfigureGroup(ctx, groupID, settings); err != nil {
		a.logger.Warn("failed to configure group", zap.String("group", groupID), zap.Error(err))
	}

	if req.ImageURL != "" {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, time.Minute)
			defer cancel()
			if err := a.session.ConfigureGroup(ctx, groupID, transport.GroupSettings{ImageURL: req.ImageURL, AdminsOnly: true}); err != nil {
				a.logger.Warn("failed to set group picture", zap.String("group", groupID), zap.Error(err))
			}
		}()
	}

	group, err := a.session.GetGroup(ctx, groupID)
	if err != nil {
		// Группа создана, описание отдаём по запросу
		group = &domain.Group{ID: groupID, Title: req.Title, Description: req.Description}
	}
	group.BotID = a.identity.ID
	group.SuperAdmins = slices.Clone(a.identity.SuperAdmins)
	if group.CreatedAt.IsZero() {
		group.CreatedAt = a.deps.Now()
	}
	return group, nil
}

func (a *Agent) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	if err := a.alive(); err != nil {
		return nil, err
	}
	g, err := a.session.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	g.BotID = a.identity.ID
	return g, nil
}

func (a *Agent) AddParticipant(ctx context.Context, groupID, user string) error {
	if err := a.alive(); err != nil {
		return err
	}
	g, err := a.session.GetGroup(ctx, groupID)
	if err != nil {
		return passUnsupported(err, domain.ErrUserNotAdded)
	}
	if len(g.Participants) >= a.settings.MaxGroupParticipants {
		return domain.ErrMaxParticipants
	}
	if err := a.session.AddParticipant(ctx, groupID, transport.UserAddr(user)); err != nil {
		return passUnsupported(err, domain.ErrUserNotAdded)
	}
	return nil
}

// RemoveParticipant - удалить себя бот не может, такой запрос ничего не делает.
func (a *Agent) RemoveParticipant(ctx context.Context, groupID, user string) error {
	if err := a.alive(); err != nil {
		return err
	}
	user = transport.StripAddr(user)
	if user == a.Number() {
		return nil
	}
	if err := a.session.RemoveParticipant(ctx, groupID, transport.UserAddr(user)); err != nil {
		return passUnsupported(err, domain.ErrUserNotRemoved)
	}
	return nil
}

// DeleteGroup выгоняет всех, кроме себя, и удаляет группу.
func (a *Agent) DeleteGroup(ctx context.Context, groupID string) error {
	if err := a.alive(); err != nil {
		return err
	}
	g, err := a.session.GetGroup(ctx, groupID)
	if err != nil {
		return passUnsupported(err, domain.ErrGroupNotDeleted)
	}
	self := a.Number()
	for _, p := range g.Participants {
		if p.ID == self {
			continue
		}
		if err := a.session.RemoveParticipant(ctx, groupID, transport.UserAddr(p.ID)); err != nil {
			a.logger.Warn("failed to remove participant before delete", zap.String("user", p.ID), zap.Error(err))
		}
	}
	if err := a.session.DeleteGroup(ctx, groupID); err != nil {
		return passUnsupported(err, domain.ErrGroupNotDeleted)
	}
	return nil
}
