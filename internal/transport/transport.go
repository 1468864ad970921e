package transport

import (
	"context"
	"strings"
	"time"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Суффиксы адресов сети. Номера внутри домена хранятся без суффикса.
const (
	userSuffix  = "@c.us"
	groupSuffix = "@g.us"
)

func UserAddr(id string) string  { return StripAddr(id) + userSuffix }
func GroupAddr(id string) string { return StripAddr(id) + groupSuffix }

// StripAddr отрезает суффикс сети: "5511999@c.us" -> "5511999".
func StripAddr(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func IsGroupAddr(addr string) bool {
	return strings.HasSuffix(addr, groupSuffix)
}

// Variant - вариант транспорта, выбирается при создании агента.
type Variant string

const (
	VariantPrimary   Variant = "primary"
	VariantEmergency Variant = "emergency" // Деградированный: без групп и медиа
)

type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventConflict     EventKind = "conflict"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
	EventCall         EventKind = "call"
	EventGroupJoin    EventKind = "group_join"
	EventGroupLeave   EventKind = "group_leave"
)

type Message struct {
	ID        string
	From      string // Адрес чата: группа или собеседник
	Author    string // Автор внутри группы
	Body      string
	HasMedia  bool
	Timestamp time.Time
}

func (m *Message) IsGroup() bool { return IsGroupAddr(m.From) }

// Sender - номер отправителя без суффикса.
func (m *Message) Sender() string {
	if m.IsGroup() && m.Author != "" {
		return StripAddr(m.Author)
	}
	return StripAddr(m.From)
}

type Call struct {
	ID   string
	From string
}

// Event - единица потока событий сессии.
type Event struct {
	Kind        EventKind
	Reason      string   // disconnected
	QR          string   // qr
	Message     *Message // message
	Call        *Call    // call
	GroupID     string   // group_join / group_leave
	Participant string   // group_join / group_leave
}

type Media struct {
	URL       string
	Path      string
	Mime      string
	Caption   string
	AsSticker bool
}

type SendOptions struct {
	Mentions []string // Номера для упоминания
	QuotedID string   // Ответ на сообщение
}

type Profile struct {
	Name     string
	About    string
	ImageURL string
}

type GroupSettings struct {
	Description string
	AdminsOnly  bool
	Promote     []string
	ImageURL    string
}

// Session - транспортная сессия одного агента.
// Dial не делает I/O, соединение открывает Connect.
type Session interface {
	Variant() Variant
	Connect(ctx context.Context) error
	Events() <-chan Event
	Self() string
	SetProfile(ctx context.Context, p Profile) error
	SendText(ctx context.Context, to, text string, opts SendOptions) error
	SendMedia(ctx context.Context, to string, media Media, opts SendOptions) error
	RejectCall(ctx context.Context, callID string) error
	CreateGroup(ctx context.Context, title string, participants []string) (string, error)
	ConfigureGroup(ctx context.Context, groupID string, s GroupSettings) error
	GetGroup(ctx context.Context, groupID string) (*domain.Group, error)
	AddParticipant(ctx context.Context, groupID, id string) error
	RemoveParticipant(ctx context.Context, groupID, id string) error
	DeleteGroup(ctx context.Context, groupID string) error
	Close(ctx context.Context) error
}

type Dialer interface {
	Dial(identity domain.Identity) (Session, error)
}
