package detection

import (
	"math"
	"time"
)

// BoundingBox прямоугольник в нормализованных координатах изображения [0,1]
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area площадь прямоугольника
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// AspectRatio отношение высоты к ширине. Для вырожденной ширины возвращает 0.
func (b BoundingBox) AspectRatio() float64 {
	if b.Width <= 0 {
		return 0
	}
	return b.Height / b.Width
}

// Intersection площадь пересечения двух прямоугольников
func (b BoundingBox) Intersection(o BoundingBox) float64 {
	x1 := math.Max(b.X, o.X)
	y1 := math.Max(b.Y, o.Y)
	x2 := math.Min(b.X+b.Width, o.X+o.Width)
	y2 := math.Min(b.Y+b.Height, o.Y+o.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// IoU отношение площади пересечения к площади объединения.
// Возвращает 0, если прямоугольники не пересекаются или объединение пустое.
func IoU(a, b BoundingBox) float64 {
	inter := a.Intersection(b)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Observation один результат детектора для кадра
type Observation struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Candidate наблюдение, прошедшее фильтр, для одного кадра
type Candidate struct {
	BBox       BoundingBox
	Confidence float64
	Label      string
	CapturedAt time.Time
}
