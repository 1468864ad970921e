// Package command разбирает сообщения групп promoter-бота: административные команды
// по упорядоченному списку правил и вероятностные гейты вовлечения.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra"
	"github.com/xela07ax/botfleet/internal/lookup"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Sender - исходящие вызовы транспорта, которые нужны диспетчеру.
type Sender interface {
	SendText(ctx context.Context, to, text string, opts transport.SendOptions) error
	SendMedia(ctx context.Context, to string, media transport.Media, opts transport.SendOptions) error
}

// Lookups - внешние справочники. Любая ошибка превращается в извинение в чате.
type Lookups interface {
	CEP(ctx context.Context, cep string) (string, error)
	Weather(ctx context.Context) (string, error)
	Forecast(ctx context.Context, city string) (string, error)
	News(ctx context.Context, topic string) (lookup.Article, error)
}

// Request - одно сообщение группы глазами диспетчера.
type Request struct {
	BotName   string
	BotNumber string
	Group     *domain.Group
	Message   *transport.Message
	Keywords  map[string][]string
}

// Result - что сработало. Command пуст, если ни одно правило не подошло.
type Result struct {
	Command string
	Sticker bool
	Message bool
}

type Options struct {
	Lookups   Lookups
	Stickers  *Stickers
	Gate      *Gate
	States    *GroupStates
	DrawDelay time.Duration
	// After планирует отложенную отправку. По умолчанию time.AfterFunc.
	After   func(d time.Duration, f func())
	Metrics *infra.Metrics
	Logger  *zap.Logger
}

// Dispatcher - один на агента. Вызывается из цикла событий агента.
type Dispatcher struct {
	lookups   Lookups
	stickers  *Stickers
	gate      *Gate
	states    *GroupStates
	drawDelay time.Duration
	after     func(d time.Duration, f func())
	metrics   *infra.Metrics
	logger    *zap.Logger
	rules     []rule
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		lookups:   opts.Lookups,
		stickers:  opts.Stickers,
		gate:      opts.Gate,
		states:    opts.States,
		drawDelay: opts.DrawDelay,
		after:     opts.After,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if d.gate == nil {
		d.gate = NewGate(nil)
	}
	if d.states == nil {
		d.states = NewGroupStates()
	}
	if d.after == nil {
		d.after = func(dur time.Duration, f func()) { time.AfterFunc(dur, f) }
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.rules = d.buildRules()
	return d
}

func (d *Dispatcher) States() *GroupStates { return d.states }

// call - контекст выполнения правила.
type call struct {
	ctx     context.Context
	send    Sender
	req     Request
	norm    string // нормализованный текст
	nameKey string // нормализованное имя бота
	admin   bool
	groupTo string
}

// reply - ответ цитатой на исходное сообщение.
func (c *call) reply(text string) error {
	return c.send.SendText(c.ctx, c.req.Message.From, text, transport.SendOptions{QuotedID: c.req.Message.ID})
}

// say - сообщение в группу без цитаты.
func (c *call) say(text string, mentions ...string) error {
	return c.send.SendText(c.ctx, c.groupTo, text, transport.SendOptions{Mentions: mentions})
}

type rule struct {
	name  string
	match func(c *call) bool
	run   func(c *call) error
}

// Dispatch выбирает первое подходящее правило, затем независимо бросает гейты вовлечения.
func (d *Dispatcher) Dispatch(ctx context.Context, send Sender, req Request) Result {
	var res Result
	if req.Message == nil || req.Group == nil {
		return res
	}

	c := &call{
		ctx:     ctx,
		send:    send,
		req:     req,
		norm:    Normalize(req.Message.Body),
		nameKey: Normalize(req.BotName),
		admin:   req.Group.IsAdmin(req.Message.Sender()),
		groupTo: transport.GroupAddr(req.Group.ID),
	}
	log := d.logger.With(zap.String("group_id", req.Group.ID), zap.String("from", req.Message.Sender()))

	// 1. Команды: первое совпадение
	for _, r := range d.rules {
		if !r.match(c) {
			continue
		}
		res.Command = r.name
		if d.metrics != nil {
			d.metrics.Commands.WithLabelValues(r.name).Inc()
		}
		if err := r.run(c); err != nil {
			log.Warn("command failed", zap.String("command", r.name), zap.Error(err))
		}
		break
	}

	// 2. Гейты вовлечения: только без префикса команды и при включённом чате
	st := d.states.Get(req.Group.ID)
	if strings.Contains(req.Message.Body, "/") || !st.ChatEnabled {
		return res
	}

	if d.gate.Fire(st.StickerChance) {
		res.Sticker = true
		d.countGate("sticker")
		if err := d.sendSticker(c); err != nil {
			log.Warn("sticker engagement failed", zap.Error(err))
		}
	}
	if d.gate.Fire(st.MessageChance) {
		res.Message = true
		d.countGate("message")
		if err := c.say(d.contextReply(req)); err != nil {
			log.Warn("message engagement failed", zap.Error(err))
		}
	}
	return res
}

func (d *Dispatcher) countGate(gate string) {
	if d.metrics != nil {
		d.metrics.Engagement.WithLabelValues(gate).Inc()
	}
}

func (d *Dispatcher) sendSticker(c *call) error {
	files, err := d.stickers.List()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	path := files[d.gate.Pick(len(files))]
	return c.send.SendMedia(c.ctx, c.groupTo, transport.Media{Path: path, AsSticker: true}, transport.SendOptions{})
}

// contextReply подбирает реплику по ключевым словам. Медиа сопоставляется с контекстом MIDIA.
func (d *Dispatcher) contextReply(req Request) string {
	text := keywordForm(req.Message.Body)
	if req.Message.HasMedia {
		text = mediaContext
	}
	for _, kw := range keywordTable(req.Keywords) {
		if strings.Contains(text, kw.keyword) {
			return kw.replies[d.gate.Pick(len(kw.replies))]
		}
	}
	return replyDefault
}

func (d *Dispatcher) buildRules() []rule {
	exact := func(trigger string) func(c *call) bool {
		return func(c *call) bool { return c.norm == trigger }
	}
	prefix := func(trigger string, adminOnly bool) func(c *call) bool {
		return func(c *call) bool {
			return strings.HasPrefix(c.norm, trigger) && (!adminOnly || c.admin)
		}
	}

	return []rule{
		{name: "welcome", match: exact("/boasvindas"), run: func(c *call) error {
			return c.say(welcomeText(c.req.BotName))
		}},
		{name: "mention_all", match: prefix("/todos", true), run: d.mentionAll},
		{name: "draw", match: prefix("/sorteio", true), run: d.draw},
		{name: "cep", match: prefix("/cep", false), run: d.cep},
		{name: "forecast", match: prefix("/climas", false), run: func(c *call) error {
			out, err := d.lookups.Forecast(c.ctx, strings.TrimPrefix(c.norm, "/climas"))
			return d.lookupReply(c, out, err)
		}},
		{name: "weather", match: func(c *call) bool {
			return strings.Contains(c.norm, "clima") && !strings.Contains(c.norm, "/")
		}, run: func(c *call) error {
			out, err := d.lookups.Weather(c.ctx)
			return d.lookupReply(c, out, err)
		}},
		{name: "news", match: prefix("/noticias", false), run: d.news},
		{name: "mention_prefixed", match: func(c *call) bool {
			return c.nameKey != "" && strings.Contains(c.norm, c.nameKey) && strings.Contains(c.norm, "/")
		}, run: func(c *call) error {
			return c.reply(mentionWithPrefix[d.gate.Pick(len(mentionWithPrefix))])
		}},
		{name: "mention", match: func(c *call) bool {
			return c.nameKey != "" && strings.Contains(c.norm, c.nameKey)
		}, run: func(c *call) error {
			return c.reply(mentionPlain[d.gate.Pick(len(mentionPlain))])
		}},
		{name: "sticker_chance", match: prefix("/sticker", true), run: func(c *call) error {
			d.states.SetStickerChance(c.req.Group.ID, chanceArg(c.norm, "/sticker", DefaultStickerChance))
			return c.reply(replyValueChanged)
		}},
		{name: "message_chance", match: prefix("/message", true), run: func(c *call) error {
			d.states.SetMessageChance(c.req.Group.ID, chanceArg(c.norm, "/message", DefaultMessageChance))
			return c.reply(replyValueChanged)
		}},
		{name: "chat", match: prefix("/chat", true), run: func(c *call) error {
			d.states.SetChat(c.req.Group.ID, strings.TrimPrefix(c.norm, "/chat") == "on")
			return c.reply(replyValueChanged)
		}},
		{name: "group_info", match: prefix("/group", true), run: func(c *call) error {
			return c.reply(groupInfoText(d.states.Get(c.req.Group.ID)))
		}},
		{name: "help", match: exact("/comandos"), run: func(c *call) error {
			return c.reply(helpText(c.req.BotName))
		}},
	}
}

// chanceArg читает знаменатель после команды. Мусор и неположительные значения - def.
func chanceArg(norm, trigger string, def int) int {
	n, err := strconv.Atoi(strings.TrimPrefix(norm, trigger))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (d *Dispatcher) mentionAll(c *call) error {
	mentions := make([]string, 0, len(c.req.Group.Participants))
	for _, p := range c.req.Group.Participants {
		mentions = append(mentions, transport.UserAddr(p.ID))
	}
	return c.send.SendText(c.ctx, c.req.Message.From, replyAllMarked, transport.SendOptions{Mentions: mentions})
}

// draw выбирает случайного участника, но никогда не самого бота.
func (d *Dispatcher) draw(c *call) error {
	eligible := make([]domain.Participant, 0, len(c.req.Group.Participants))
	for _, p := range c.req.Group.Participants {
		if p.ID != c.req.BotNumber {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return c.say(replyDrawNobody)
	}

	winner := eligible[d.gate.Pick(len(eligible))]
	if err := c.say(replyDrawing); err != nil {
		return err
	}

	// Объявление уходит с паузой и не держит цикл событий агента
	ctx := context.WithoutCancel(c.ctx)
	send, to := c.send, c.groupTo
	d.after(d.drawDelay, func() {
		err := send.SendText(ctx, to, fmt.Sprintf(replyDrawWinner, winner.ID), transport.SendOptions{Mentions: []string{transport.UserAddr(winner.ID)}})
		if err != nil {
			d.logger.Warn("draw announcement failed", zap.String("group_id", c.req.Group.ID), zap.Error(err))
		}
	})
	return nil
}

func (d *Dispatcher) cep(c *call) error {
	arg := strings.TrimPrefix(c.norm, "/cep")
	if arg == "" || strings.Contains(arg, "-") {
		return c.reply(replyCEPHint)
	}
	out, err := d.lookups.CEP(c.ctx, arg)
	return d.lookupReply(c, out, err)
}

func (d *Dispatcher) news(c *call) error {
	// Тема берётся из сырого текста: пробелы между словами важны для поиска
	_, topic, _ := strings.Cut(strings.TrimSpace(c.req.Message.Body), " ")

	article, err := d.lookups.News(c.ctx, strings.TrimSpace(topic))
	if err != nil {
		d.logger.Warn("news lookup failed", zap.Error(err))
		return c.reply(replyLookupApology)
	}

	if article.ImageURL != "" {
		err := c.send.SendMedia(c.ctx, c.groupTo, transport.Media{URL: article.ImageURL, Caption: article.Text}, transport.SendOptions{})
		if err == nil {
			return nil
		}
		// Резервный транспорт без медиа: отправляем только текст
		if !errors.Is(err, domain.ErrActionUnsupported) {
			d.logger.Warn("news image failed, falling back to text", zap.Error(err))
		}
	}
	return c.say(article.Text)
}

// lookupReply отвечает результатом справочника или извинением.
func (d *Dispatcher) lookupReply(c *call, out string, err error) error {
	if err != nil {
		d.logger.Warn("lookup failed", zap.Error(err))
		return c.reply(replyLookupApology)
	}
	return c.reply(out)
}
