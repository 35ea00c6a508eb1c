package detection

// DefaultStabilityFrames количество подряд идущих кадров со знаком
const DefaultStabilityFrames = 4

// StabilityGate требует N подряд идущих положительных кадров.
// Не потокобезопасен: вызывается из одного цикла в порядке кадров.
type StabilityGate struct {
	hits   int
	needed int
}

// NewStabilityGate создает гейт с порогом needed (минимум 1)
func NewStabilityGate(needed int) *StabilityGate {
	if needed < 1 {
		needed = 1
	}
	return &StabilityGate{needed: needed}
}

// Update учитывает очередной кадр и возвращает true, если серия достигла порога
func (g *StabilityGate) Update(present bool) bool {
	if !present {
		g.hits = 0
		return false
	}
	g.hits++
	return g.hits >= g.needed
}

// Hits текущая длина серии
func (g *StabilityGate) Hits() int {
	return g.hits
}

// Needed порог срабатывания
func (g *StabilityGate) Needed() int {
	return g.needed
}

// Reset сбрасывает счетчик
func (g *StabilityGate) Reset() {
	g.hits = 0
}
