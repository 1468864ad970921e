package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Групповые операции идут через живого агента, хранилище только запоминает созданные группы.

func (s *BotService) CreateGroup(ctx context.Context, id string, req domain.CreateGroupRequest) (*domain.Group, error) {
	if req.Title == "" {
		return nil, invalid("title is required")
	}
	a, err := s.agent(id)
	if err != nil {
		return nil, err
	}
	g, err := a.CreateGroup(ctx, req)
	if err != nil {
		return nil, err
	}
	g.ImageURL = req.ImageURL
	if err := s.repo.SaveGroup(ctx, g); err != nil {
		s.logger.Warn("failed to save group", zap.String("bot_id", id), zap.String("group", g.ID), zap.Error(err))
	}
	return g, nil
}

func (s *BotService) ListGroups(ctx context.Context, id string) ([]*domain.Group, error) {
	if _, err := s.repo.GetBot(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListGroups(ctx, id)
}

func (s *BotService) GetGroup(ctx context.Context, id, groupID string) (*domain.Group, error) {
	a, err := s.agent(id)
	if err != nil {
		return nil, err
	}
	return a.GetGroup(ctx, groupID)
}

func (s *BotService) SendGroupMessage(ctx context.Context, id, groupID, text string) error {
	if text == "" {
		return invalid("text is required")
	}
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	return a.SendToGroup(ctx, groupID, text)
}

func (s *BotService) SendGroupMedia(ctx context.Context, id, groupID string, media transport.Media) error {
	if media.URL == "" {
		return invalid("url is required")
	}
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	return a.SendMediaToGroup(ctx, groupID, media)
}

func (s *BotService) AddParticipant(ctx context.Context, id, groupID, phone string) error {
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	return a.AddParticipant(ctx, groupID, phone)
}

func (s *BotService) RemoveParticipant(ctx context.Context, id, groupID, phone string) error {
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	return a.RemoveParticipant(ctx, groupID, phone)
}

func (s *BotService) DeleteGroup(ctx context.Context, id, groupID string) error {
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	if err := a.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	return s.repo.DeleteGroup(ctx, id, groupID)
}
