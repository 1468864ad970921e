package domain

import "time"

type Participant struct {
	ID      string `json:"id"` // Номер без суффикса сети
	IsAdmin bool   `json:"is_admin"`
}

// Group - группа в сети, созданная ботом или прочитанная из транспорта.
type Group struct {
	ID           string        `json:"id"`
	BotID        string        `json:"bot_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	ImageURL     string        `json:"image_url,omitempty"`
	SuperAdmins  []string      `json:"super_admins"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

// IsAdmin проверяет, что участник - администратор группы.
func (g *Group) IsAdmin(id string) bool {
	for _, p := range g.Participants {
		if p.ID == id && p.IsAdmin {
			return true
		}
	}
	return false
}

type CreateGroupRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ImageURL    string   `json:"image_url"`
	Admins      []string `json:"admins"`
}

// GroupRuntime - настройки вовлечения группы, живут только в памяти.
type GroupRuntime struct {
	GroupID       string `json:"group_id"`
	StickerChance int    `json:"sticker_chance"` // Знаменатель вероятности стикера
	MessageChance int    `json:"message_chance"` // Знаменатель вероятности реплики
	ChatEnabled   bool   `json:"chat_enabled"`
}
