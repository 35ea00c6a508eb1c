package drive

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	perfectScore       = 100
	rollingStopPenalty = 5
)

// Summary производная сводка по поездке
type Summary struct {
	TotalStopSigns      int
	FullStops           int
	RollingStops        int
	AverageStopDuration time.Duration
	Duration            time.Duration
	Score               int
	Grade               string
}

// Summarize вычисляет сводку по событиям сессии.
// Средняя длительность считается только по событиям, у которых она есть.
func Summarize(s Session) Summary {
	sum := Summary{TotalStopSigns: len(s.Events)}

	var durations []float64
	for _, ev := range s.Events {
		if ev.DidFullStop {
			sum.FullStops++
		}
		if d, ok := ev.Duration(); ok {
			durations = append(durations, d.Seconds())
		}
	}
	sum.RollingStops = sum.TotalStopSigns - sum.FullStops

	if len(durations) > 0 {
		sum.AverageStopDuration = time.Duration(stat.Mean(durations, nil) * float64(time.Second))
	}
	if d, ok := s.Duration(); ok {
		sum.Duration = d
	}

	sum.Score = Score(sum.RollingStops)
	sum.Grade = Grade(sum.Score)
	return sum
}

// Score 100 минус 5 за каждую неполную остановку, не ниже нуля
func Score(rollingStops int) int {
	score := perfectScore - rollingStopPenalty*rollingStops
	if score < 0 {
		return 0
	}
	return score
}

// Grade буквенная оценка: A [90,100], B [80,90), C [70,80), D [60,70), иначе F
func Grade(score int) string {
	switch {
	case score >= 90 && score <= 100:
		return "A"
	case score >= 80 && score < 90:
		return "B"
	case score >= 70 && score < 80:
		return "C"
	case score >= 60 && score < 70:
		return "D"
	default:
		return "F"
	}
}

// Statistics статистика по набору поездок
type Statistics struct {
	TotalDrives    int
	TotalStopSigns int
	FullStops      int
	RollingStops   int
	AverageScore   int
}

// FullStopPercentage доля полных остановок в процентах
func (s Statistics) FullStopPercentage() float64 {
	if s.TotalStopSigns == 0 {
		return 0
	}
	return float64(s.FullStops) / float64(s.TotalStopSigns) * 100
}

// ComputeStatistics агрегирует поездки. Средняя оценка: целочисленное среднее.
func ComputeStatistics(drives []Session) Statistics {
	st := Statistics{TotalDrives: len(drives)}
	if len(drives) == 0 {
		return st
	}

	scoreSum := 0
	for _, d := range drives {
		sum := Summarize(d)
		st.TotalStopSigns += sum.TotalStopSigns
		st.FullStops += sum.FullStops
		scoreSum += sum.Score
	}
	st.RollingStops = st.TotalStopSigns - st.FullStops
	st.AverageScore = scoreSum / len(drives)
	return st
}
