package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/bot"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/fleet"
	"github.com/xela07ax/botfleet/internal/journal"
	"github.com/xela07ax/botfleet/internal/transport"
)

// BotRepository - требования к хранилищу записей ботов.
type BotRepository interface {
	CreateBot(ctx context.Context, b *domain.Bot) error
	GetBot(ctx context.Context, id string) (*domain.Bot, error)
	ListBotsPage(ctx context.Context, page, size int) ([]*domain.Bot, int, error)
	UpdateConfig(ctx context.Context, id string, cfg domain.Config) error
	DeleteBot(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	SaveGroup(ctx context.Context, g *domain.Group) error
	ListGroups(ctx context.Context, botID string) ([]*domain.Group, error)
	DeleteGroup(ctx context.Context, botID, groupID string) error
	ListEvents(ctx context.Context, botID string, limit int) ([]journal.Event, error)
}

// BotService связывает хранилище и реестр флота: запись - источник identity и конфига,
// реестр - источник живого состояния.
type BotService struct {
	repo     BotRepository
	registry *fleet.Registry
	logger   *zap.Logger
}

func NewBotService(repo BotRepository, registry *fleet.Registry, logger *zap.Logger) *BotService {
	return &BotService{
		repo:     repo,
		registry: registry,
		logger:   logger.Named("bot-service"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func validateCreate(req *domain.CreateBotRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return invalid("name is required")
	}
	if req.Kind == "" {
		req.Kind = domain.KindNotify
	}
	if !req.Kind.Valid() {
		return invalid("unknown kind %q", req.Kind)
	}
	for i, a := range req.SuperAdmins {
		req.SuperAdmins[i] = transport.StripAddr(strings.TrimSpace(a))
		if req.SuperAdmins[i] == "" {
			return invalid("empty super admin")
		}
	}
	return nil
}

// Create сохраняет бота и сразу поднимает агента. Ошибка запуска не откатывает запись:
// бот остаётся OFFLINE и может быть перезапущен.
func (s *BotService) Create(ctx context.Context, req domain.CreateBotRequest) (*domain.BotView, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}
	b := &domain.Bot{
		Identity: domain.Identity{
			ID:           uuid.NewString(),
			Name:         req.Name,
			Description:  req.Description,
			ProfileImage: req.ProfileImage,
			SuperAdmins:  req.SuperAdmins,
			Kind:         req.Kind,
		},
		Config: req.Config,
		Status: domain.StatusOffline,
	}
	if err := s.repo.CreateBot(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("bot created", zap.String("bot_id", b.ID), zap.String("kind", string(b.Kind)))

	a, err := s.registry.Initialize(ctx, b.Identity, b.Config)
	if err != nil {
		s.logger.Error("failed to initialize new bot", zap.String("bot_id", b.ID), zap.Error(err))
		return s.view(b), nil
	}
	// Статус берём у только что запущенного агента, запись в репозитории ещё может отставать
	return liveView(b, a), nil
}

// view дополняет запись живым состоянием из реестра.
func (s *BotService) view(b *domain.Bot) *domain.BotView {
	a, err := s.registry.Get(b.ID)
	if err != nil {
		return &domain.BotView{Bot: *b}
	}
	return liveView(b, a)
}

func liveView(b *domain.Bot, a *bot.Agent) *domain.BotView {
	v := &domain.BotView{Bot: *b}
	v.Running = !a.Closing()
	v.Status = a.Status()
	v.Status = a.Status()
	v.Variant = string(a.Variant())
	v.QRCode = a.QRCode()
	v.GroupRuntimes = a.GroupRuntimes()
	if n := a.Number(); n != "" {
		v.Number = n
	}
	return v
}

func (s *BotService) Get(ctx context.Context, id string) (*domain.BotView, error) {
	b, err := s.repo.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(b), nil
}

func (s *BotService) List(ctx context.Context, page, size int) (*domain.BotPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	bots, total, err := s.repo.ListBotsPage(ctx, page, size)
	if err != nil {
		return nil, err
	}
	out := &domain.BotPage{
		Bots: make([]domain.BotView, 0, len(bots)),
		Pagination: domain.Pagination{
			Page:       page,
			Size:       size,
			Total:      total,
			TotalPages: (total + size - 1) / size,
		},
	}
	for _, b := range bots {
		out.Bots = append(out.Bots, *s.view(b))
	}
	return out, nil
}

// Delete уничтожает агента и удаляет запись.
func (s *BotService) Delete(ctx context.Context, id string) error {
	if _, err := s.registry.Destroy(ctx, id); err != nil {
		return err
	}
	if err := s.repo.DeleteBot(ctx, id); err != nil {
		return err
	}
	s.logger.Info("bot deleted", zap.String("bot_id", id))
	return nil
}

func (s *BotService) Stop(ctx context.Context, id string) (domain.Status, error) {
	return s.registry.Stop(ctx, id)
}

func (s *BotService) Restart(ctx context.Context, id string) (*domain.BotView, error) {
	if err := s.registry.Restart(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// UpdateConfig сохраняет конфиг и заменяет его у живого агента. Незапущенный бот - не ошибка.
func (s *BotService) UpdateConfig(ctx context.Context, id string, cfg domain.Config) error {
	if err := s.repo.UpdateConfig(ctx, id, cfg); err != nil {
		return err
	}
	if err := s.registry.UpdateConfig(ctx, id, cfg); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

func (s *BotService) agent(id string) (*bot.Agent, error) {
	return s.registry.Get(id)
}

func (s *BotService) SendMessage(ctx context.Context, id, to, text string) error {
	if to == "" || text == "" {
		return invalid("to and text are required")
	}
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	return a.SendText(ctx, to, text)
}

func (s *BotService) SendMedia(ctx context.Context, id, to string, media transport.Media) error {
	if to == "" || media.URL == "" {
		return invalid("to and url are required")
	}
	a, err := s.agent(id)
	if err != nil {
		return err
	}
	return a.SendMedia(ctx, to, media)
}

// Events - последние переходы статусов из журнала.
func (s *BotService) Events(ctx context.Context, id string, limit int) ([]journal.Event, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if _, err := s.repo.GetBot(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id, limit)
}
