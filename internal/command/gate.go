package command

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Gate - источник случайности диспетчера: гейты вовлечения, жеребьёвка, выбор реплик.
type Gate struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGate с nil-источником берёт PCG, засеянный временем.
func NewGate(src rand.Source) *Gate {
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now>>1|1)
	}
	return &Gate{rnd: rand.New(src)}
}

// Fire тянет целое из [0, n) и срабатывает на нуле, то есть с вероятностью 1/n.
func (g *Gate) Fire(n int) bool {
	if n <= 1 {
		return true
	}
	return g.Pick(n) == 0
}

// Pick - равномерный индекс из [0, n).
func (g *Gate) Pick(n int) int {
	if n <= 1 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.IntN(n)
}
