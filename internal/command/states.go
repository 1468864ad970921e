package command

import (
	"sort"
	"sync"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Значения по умолчанию для новой группы: шанс 1/6, болтовня выключена.
const (
	DefaultStickerChance = 6
	DefaultMessageChance = 6
)

// GroupStates - настройки вовлечения по группам одного агента. Только память:
// после рестарта процесса группы начинают со значений по умолчанию.
type GroupStates struct {
	mu sync.RWMutex
	m  map[string]*domain.GroupRuntime
}

func NewGroupStates() *GroupStates {
	return &GroupStates{m: make(map[string]*domain.GroupRuntime)}
}

// Get возвращает копию состояния, создавая запись при первом обращении.
func (s *GroupStates) Get(groupID string) domain.GroupRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.lazy(groupID)
}

func (s *GroupStates) lazy(groupID string) *domain.GroupRuntime {
	st, ok := s.m[groupID]
	if !ok {
		st = &domain.GroupRuntime{
			GroupID:       groupID,
			StickerChance: DefaultStickerChance,
			MessageChance: DefaultMessageChance,
		}
		s.m[groupID] = st
	}
	return st
}

func (s *GroupStates) SetStickerChance(groupID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazy(groupID).StickerChance = n
}

func (s *GroupStates) SetMessageChance(groupID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazy(groupID).MessageChance = n
}

func (s *GroupStates) SetChat(groupID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazy(groupID).ChatEnabled = on
}

// Snapshot - все известные группы, отсортированы по id.
func (s *GroupStates) Snapshot() []domain.GroupRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GroupRuntime, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (s *GroupStates) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.m)
}
