package domain

import "time"

// Kind определяет набор поведения бота.
type Kind string

const (
	KindNotify   Kind = "notify"   // Уведомления, автоответ, ретрансляция входящих в очередь
	KindPromoter Kind = "promoter" // Групповой бот: команды, антифлуд, вовлечение
)

func (k Kind) Valid() bool {
	return k == KindNotify || k == KindPromoter
}

// Status - состояние бота в жизненном цикле.
type Status string

const (
	StatusStarted   Status = "STARTED"   // Создан, ждёт готовности транспорта (QR)
	StatusOnline    Status = "ONLINE"    // Сессия активна
	StatusConflict  Status = "CONFLICT"  // Сессия открыта где-то ещё
	StatusEmergency Status = "EMERGENCY" // Работает на резервном транспорте
	StatusOffline   Status = "OFFLINE"   // Остановлен, можно поднять снова
	StatusDestroyed Status = "DESTROYED" // Терминальный, данные сессии удалены
)

// Terminal сообщает, что из статуса больше нет переходов.
func (s Status) Terminal() bool {
	return s == StatusDestroyed
}

// Running - статус живого агента в реестре.
func (s Status) Running() bool {
	switch s {
	case StatusStarted, StatusOnline, StatusConflict, StatusEmergency:
		return true
	}
	return false
}

// Identity неизменяемая часть бота. Создаётся при регистрации.
type Identity struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	ProfileImage string   `json:"profile_image,omitempty"` // URL аватара, пусто - без аватара
	SuperAdmins  []string `json:"super_admins"`            // Номера без суффикса сети
	Kind         Kind     `json:"kind"`
}

// Config заменяется целиком, частичного слияния нет.
type Config struct {
	AutoReplyPermission bool   `json:"auto_reply_permission"`
	AutoReplyText       string `json:"auto_reply_text,omitempty"`
	CallPermission      bool   `json:"call_permission"`
	CallRejectText      string `json:"call_reject_text,omitempty"`
	QueuePermission     bool   `json:"queue_permission"`
	QueueStatus         string `json:"queue_status,omitempty"`   // Очередь для статусов
	QueueMessages       string `json:"queue_messages,omitempty"` // Очередь для входящих (только notify)

	// Только для promoter
	WelcomeText   string              `json:"welcome_text,omitempty"`
	LeaveText     string              `json:"leave_text,omitempty"`
	FloodGuard    bool                `json:"flood_guard"`
	FloodWarning  string              `json:"flood_warning,omitempty"`
	BlockOversize bool                `json:"block_oversize"`
	Keywords      map[string][]string `json:"keywords,omitempty"` // Ключевое слово -> варианты ответа
}

// Clone возвращает глубокую копию, чтобы снапшоты не делили map.
func (c Config) Clone() Config {
	out := c
	if c.Keywords != nil {
		out.Keywords = make(map[string][]string, len(c.Keywords))
		for k, v := range c.Keywords {
			out.Keywords[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Bot - запись во внешнем хранилище.
type Bot struct {
	Identity
	Config    Config    `json:"config"`
	Status    Status    `json:"status"`
	Number    string    `json:"number,omitempty"` // Адрес, выданный сетью после готовности
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BotView - ответ Console API: запись плюс живое состояние из реестра.
type BotView struct {
	Bot
	Running bool   `json:"running"`
	Variant string `json:"variant,omitempty"`
	QRCode  string `json:"qr_code,omitempty"`
	// Настройки вовлечения групп, только у живого promoter
	GroupRuntimes []GroupRuntime `json:"group_runtimes,omitempty"`
}

type Pagination struct {
	Page       int `json:"page"`
	Size       int `json:"size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type BotPage struct {
	Bots       []BotView  `json:"bots"`
	Pagination Pagination `json:"pagination"`
}

// StatusEvent уходит в шину статусов и в журнал.
type StatusEvent struct {
	BotID  string `json:"botId"`
	Status Status `json:"status"`
}

// InboundMessage ретранслируется notify-ботом в очередь сообщений.
type InboundMessage struct {
	BotID     string    `json:"botId"`
	GroupID   string    `json:"groupId,omitempty"`
	From      string    `json:"from"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateBotRequest - тело POST /v1/bots.
type CreateBotRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	ProfileImage string   `json:"profile_image"`
	SuperAdmins  []string `json:"super_admins"`
	Kind         Kind     `json:"kind"`
	Config       Config   `json:"config"`
}
