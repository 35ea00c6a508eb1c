package detection

import (
	"strings"
	"time"
)

// Геометрические границы правдоподобного знака в кадре (открытые интервалы)
const (
	DefaultMinArea        = 0.02
	DefaultMaxArea        = 0.80
	DefaultMinAspectRatio = 0.7
	DefaultMaxAspectRatio = 1.4
)

// FilterConfig параметры фильтра кандидатов
type FilterConfig struct {
	TargetLabel    string
	MinArea        float64
	MaxArea        float64
	MinAspectRatio float64
	MaxAspectRatio float64
}

// DefaultFilterConfig возвращает фильтр для класса "stop sign"
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		TargetLabel:    "stop sign",
		MinArea:        DefaultMinArea,
		MaxArea:        DefaultMaxArea,
		MinAspectRatio: DefaultMinAspectRatio,
		MaxAspectRatio: DefaultMaxAspectRatio,
	}
}

// Filter отбирает наблюдения целевого класса с правдоподобной геометрией
type Filter struct {
	cfg    FilterConfig
	target string
}

// NewFilter создает фильтр
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{
		cfg:    cfg,
		target: NormalizeLabel(cfg.TargetLabel),
	}
}

// NormalizeLabel приводит метку к нижнему регистру и заменяет '_' на пробел
func NormalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(label), "_", " ")
}

// Target нормализованная целевая метка
func (f *Filter) Target() string {
	return f.target
}

// MatchesLabel проверяет, содержит ли метка целевую подстроку
func (f *Filter) MatchesLabel(label string) bool {
	return strings.Contains(NormalizeLabel(label), f.target)
}

// PlausibleGeometry проверяет площадь и пропорции прямоугольника
func (f *Filter) PlausibleGeometry(b BoundingBox) bool {
	area := b.Area()
	if area <= f.cfg.MinArea || area >= f.cfg.MaxArea {
		return false
	}
	aspect := b.AspectRatio()
	return aspect > f.cfg.MinAspectRatio && aspect < f.cfg.MaxAspectRatio
}

// Select возвращает первое наблюдение, прошедшее все фильтры.
// Второй результат: флаг присутствия знака в кадре.
func (f *Filter) Select(observations []Observation, capturedAt time.Time) (Candidate, bool) {
	for _, obs := range observations {
		if !f.MatchesLabel(obs.Label) {
			continue
		}
		if !f.PlausibleGeometry(obs.BBox) {
			continue
		}
		return Candidate{
			BBox:       obs.BBox,
			Confidence: obs.Confidence,
			Label:      f.target,
			CapturedAt: capturedAt,
		}, true
	}
	return Candidate{}, false
}
