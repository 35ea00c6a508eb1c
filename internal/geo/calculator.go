// Package geo содержит географические вычисления для поездок.
package geo

import (
	"fmt"
	"math"

	"stopsign-monitor-go/pkg/models"
)

const earthRadiusKm = 6371.0

// Calculator для географических вычислений
type Calculator struct{}

// NewCalculator создает новый калькулятор
func NewCalculator() *Calculator {
	return &Calculator{}
}

// DistanceMeters вычисляет расстояние между двумя точками в метрах
// Использует формулу гаверсинуса
func (c *Calculator) DistanceMeters(point1, point2 models.Coordinates) float64 {
	lat1Rad := point1.Lat * math.Pi / 180
	lon1Rad := point1.Lon * math.Pi / 180
	lat2Rad := point2.Lat * math.Pi / 180
	lon2Rad := point2.Lon * math.Pi / 180

	deltaLat := lat2Rad - lat1Rad
	deltaLon := lon2Rad - lon1Rad

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	chord := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * chord * 1000
}

// PathLengthMeters длина ломаной по точкам
func (c *Calculator) PathLengthMeters(points []models.Coordinates) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += c.DistanceMeters(points[i-1], points[i])
	}
	return total
}

// Bounds прямоугольная область, заданная северо-восточным и юго-западным углами
type Bounds struct {
	NorthEast models.Coordinates
	SouthWest models.Coordinates
}

// NewBounds проверяет и создает область
func NewBounds(northEast, southWest models.Coordinates) (Bounds, error) {
	if northEast.Lat < southWest.Lat {
		return Bounds{}, fmt.Errorf("north-east latitude %.6f is below south-west latitude %.6f", northEast.Lat, southWest.Lat)
	}
	if northEast.Lon < southWest.Lon {
		return Bounds{}, fmt.Errorf("north-east longitude %.6f is west of south-west longitude %.6f", northEast.Lon, southWest.Lon)
	}
	for _, p := range []models.Coordinates{northEast, southWest} {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return Bounds{}, fmt.Errorf("coordinate out of range: %.6f, %.6f", p.Lat, p.Lon)
		}
	}
	return Bounds{NorthEast: northEast, SouthWest: southWest}, nil
}

// Contains проверяет, лежит ли точка внутри области (границы включены)
func (b Bounds) Contains(p models.Coordinates) bool {
	return p.Lat >= b.SouthWest.Lat && p.Lat <= b.NorthEast.Lat &&
		p.Lon >= b.SouthWest.Lon && p.Lon <= b.NorthEast.Lon
}

// Odometer накапливает пройденное расстояние по последовательным фиксам.
// Шаги короче MinStepMeters считаются дрожанием GPS и не учитываются.
type Odometer struct {
	calc          *Calculator
	MinStepMeters float64
	last          *models.Coordinates
	total         float64
}

// NewOdometer создает одометр
func NewOdometer(calc *Calculator, minStepMeters float64) *Odometer {
	return &Odometer{calc: calc, MinStepMeters: minStepMeters}
}

// Add учитывает очередной фикс и возвращает текущее расстояние
func (o *Odometer) Add(p models.Coordinates) float64 {
	if o.last == nil {
		o.last = &p
		return o.total
	}
	step := o.calc.DistanceMeters(*o.last, p)
	if step < o.MinStepMeters {
		return o.total
	}
	o.total += step
	o.last = &p
	return o.total
}

// TotalMeters пройденное расстояние
func (o *Odometer) TotalMeters() float64 {
	return o.total
}
