package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopsign-monitor-go/pkg/models"
)

func TestDistanceMeters(t *testing.T) {
	c := NewCalculator()
	p := models.Coordinates{Lat: 55.7558, Lon: 37.6173}

	assert.Equal(t, 0.0, c.DistanceMeters(p, p))

	// один градус широты ~111.2 км
	north := models.Coordinates{Lat: p.Lat + 1, Lon: p.Lon}
	assert.InDelta(t, 111195, c.DistanceMeters(p, north), 10)
	assert.InDelta(t, c.DistanceMeters(p, north), c.DistanceMeters(north, p), 1e-6)
}

func TestPathLengthMeters(t *testing.T) {
	c := NewCalculator()
	a := models.Coordinates{Lat: 0, Lon: 0}
	b := models.Coordinates{Lat: 0, Lon: 0.001}
	d := models.Coordinates{Lat: 0, Lon: 0.002}

	assert.Equal(t, 0.0, c.PathLengthMeters(nil))
	assert.InDelta(t, c.DistanceMeters(a, d), c.PathLengthMeters([]models.Coordinates{a, b, d}), 1e-6)
}

func TestBounds(t *testing.T) {
	b, err := NewBounds(models.Coordinates{Lat: 10, Lon: 10}, models.Coordinates{Lat: 0, Lon: 0})
	require.NoError(t, err)

	assert.True(t, b.Contains(models.Coordinates{Lat: 5, Lon: 5}))
	assert.True(t, b.Contains(models.Coordinates{Lat: 10, Lon: 0}))
	assert.False(t, b.Contains(models.Coordinates{Lat: 10.1, Lon: 5}))

	_, err = NewBounds(models.Coordinates{Lat: 0, Lon: 0}, models.Coordinates{Lat: 10, Lon: 10})
	assert.Error(t, err)

	_, err = NewBounds(models.Coordinates{Lat: 95, Lon: 0}, models.Coordinates{Lat: 0, Lon: 0})
	assert.Error(t, err)
}

func TestOdometerIgnoresJitter(t *testing.T) {
	c := NewCalculator()
	o := NewOdometer(c, 2)

	start := models.Coordinates{Lat: 0, Lon: 0}
	assert.Equal(t, 0.0, o.Add(start))

	// ~0.1 м: дрожание на месте
	o.Add(models.Coordinates{Lat: 0, Lon: 0.000001})
	assert.Equal(t, 0.0, o.TotalMeters())

	far := models.Coordinates{Lat: 0, Lon: 0.001}
	got := o.Add(far)
	assert.InDelta(t, c.DistanceMeters(start, far), got, 1e-6)
}
