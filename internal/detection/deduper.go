package detection

import "time"

// DedupParams параметры дедупликации
type DedupParams struct {
	MinConfidence           float64
	MaxSpatialOverlapForNew float64
	ForgetAfter             time.Duration
}

// DefaultDedupParams значения по умолчанию
func DefaultDedupParams() DedupParams {
	return DedupParams{
		MinConfidence:           0.7,
		MaxSpatialOverlapForNew: 0.35,
		ForgetAfter:             10 * time.Second,
	}
}

// Verdict решение дедупликатора
type Verdict int

const (
	// VerdictLowConfidence кандидат отброшен по уверенности
	VerdictLowConfidence Verdict = iota
	// VerdictDuplicate тот же знак, что уже объявлен
	VerdictDuplicate
	// VerdictNew новый знак
	VerdictNew
)

func (v Verdict) String() string {
	switch v {
	case VerdictLowConfidence:
		return "low_confidence"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictNew:
		return "new"
	default:
		return "unknown"
	}
}

// memory последний объявленный объект
type memory struct {
	bbox       BoundingBox
	label      string
	confidence float64
	at         time.Time
}

// Deduper отличает новый физический знак от уже объявленного.
// Хранит не более одного объекта; истечение памяти ленивое.
type Deduper struct {
	last  memory
	valid bool
}

// NewDeduper создает пустой дедупликатор
func NewDeduper() *Deduper {
	return &Deduper{}
}

// IsNewObject возвращает true, если кандидат: новый знак.
// Время кандидата (CapturedAt) используется как текущее.
func (d *Deduper) IsNewObject(c Candidate, label string, p DedupParams) bool {
	return d.Evaluate(c, label, p) == VerdictNew
}

// Evaluate то же, что IsNewObject, но с причиной отказа
func (d *Deduper) Evaluate(c Candidate, label string, p DedupParams) Verdict {
	if c.Confidence < p.MinConfidence {
		return VerdictLowConfidence
	}

	now := c.CapturedAt
	if d.valid && now.Sub(d.last.at) > p.ForgetAfter {
		d.valid = false
	}

	if !d.valid || d.last.label != label {
		d.remember(c, label)
		return VerdictNew
	}

	// память не перезаписывается: окно забывания отсчитывается от первого наблюдения
	if IoU(d.last.bbox, c.BBox) > p.MaxSpatialOverlapForNew {
		return VerdictDuplicate
	}

	d.remember(c, label)
	return VerdictNew
}

// Remembered возвращает время последнего объявленного объекта
func (d *Deduper) Remembered() (time.Time, bool) {
	if !d.valid {
		return time.Time{}, false
	}
	return d.last.at, true
}

// Reset очищает память
func (d *Deduper) Reset() {
	d.last = memory{}
	d.valid = false
}

func (d *Deduper) remember(c Candidate, label string) {
	d.last = memory{
		bbox:       c.BBox,
		label:      label,
		confidence: c.Confidence,
		at:         c.CapturedAt,
	}
	d.valid = true
}
