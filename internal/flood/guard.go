// Package flood - детектор злоупотреблений в группах по скользящему окну сообщений.
package flood

import (
	"sync"
	"time"
)

const (
	DefaultWindow  = 6
	DefaultMaxRate = 3.0 // сообщений в секунду
)

type entry struct {
	text string
	at   time.Time
}

// Guard хранит историю последних сообщений каждого пользователя одного агента.
// Агент вызывает его из своего цикла событий, мьютекс нужен только для Reset снаружи.
type Guard struct {
	window  int
	maxRate float64

	mu      sync.Mutex
	history map[string][]entry
}

func NewGuard(window int, maxRate float64) *Guard {
	if window < 2 {
		window = DefaultWindow
	}
	if maxRate <= 0 {
		maxRate = DefaultMaxRate
	}
	return &Guard{
		window:  window,
		maxRate: maxRate,
		history: make(map[string][]entry),
	}
}

// Observe добавляет сообщение в историю пользователя и возвращает вердикт.
// true - пользователь флудит.
func (g *Guard) Observe(user, text string, at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := append(g.history[user], entry{text: text, at: at})
	if len(h) > g.window {
		h = h[len(h)-g.window:]
	}
	g.history[user] = h

	// 1. Мало данных
	if len(h) <= 1 {
		return false
	}

	// 2. Окно заполнено одинаковым текстом
	if len(h) >= g.window && identical(h) {
		g.history[user] = h[1:]
		return true
	}

	// 3. Частота по окну
	if g.rate(h) > g.maxRate {
		g.history[user] = h[1:]
		return true
	}

	return false
}

// rate - сообщений в секунду между первой и последней записью окна.
// Нулевой интервал означает пачку в одну миллисекунду: это бесконечная частота.
func (g *Guard) rate(h []entry) float64 {
	elapsed := h[len(h)-1].at.Sub(h[0].at).Milliseconds()
	if elapsed <= 0 {
		return float64(len(h)) * 1000
	}
	return float64(len(h)) / (float64(elapsed) / 1000)
}

func identical(h []entry) bool {
	for _, e := range h[1:] {
		if e.text != h[0].text {
			return false
		}
	}
	return true
}

// Forget удаляет историю пользователя после санкции.
func (g *Guard) Forget(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.history, user)
}

// Reset очищает всё состояние при остановке агента.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.history)
}

// Tracked - число пользователей с историей.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}
