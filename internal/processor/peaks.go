package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/workerpool"
)

// OpFindPeaks is the worker pool operation computing rolling best averages
const OpFindPeaks = "find-peaks"

// PeakPeriods are the rolling windows, in seconds
var PeakPeriods = []int{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 10800}

// PeaksArgs is the input of OpFindPeaks. Slices are shared with the caller
// and not modified.
type PeaksArgs struct {
	Time      []float64
	HeartRate []float64
	Watts     []float64
	Periods   []int
}

// PeakValue is one best rolling average
type PeakValue struct {
	Type   string
	Period int
	Value  float64
}

// Operations returns the worker pool operation table
func Operations() map[string]workerpool.Operation {
	return map[string]workerpool.Operation{
		OpFindPeaks: func(_ context.Context, args any) (any, error) {
			in, ok := args.(PeaksArgs)
			if !ok {
				return nil, fmt.Errorf("unexpected args %T", args)
			}
			return FindPeaks(in)
		},
	}
}

// FindPeaks returns the best rolling average of each stream for each period
func FindPeaks(in PeaksArgs) ([]PeakValue, error) {
	if len(in.Time) == 0 {
		return nil, nil
	}
	var out []PeakValue
	for _, series := range []struct {
		typ  string
		data []float64
	}{
		{"hr", in.HeartRate},
		{"power", in.Watts},
	} {
		if len(series.data) == 0 {
			continue
		}
		if len(series.data) != len(in.Time) {
			return nil, fmt.Errorf("%s stream has %d samples, time has %d", series.typ, len(series.data), len(in.Time))
		}
		for _, period := range in.Periods {
			best := 0.0
			for _, avg := range rollingAverages(in.Time, series.data, float64(period)) {
				best = max(best, avg)
			}
			if best > 0 {
				out = append(out, PeakValue{Type: series.typ, Period: period, Value: best})
			}
		}
	}
	return out, nil
}

// findPeaks is the offloaded peaks stage. Each activity is computed on the
// worker pool when one is available.
func findPeaks(ctx context.Context, env *Env, b *Batch) error {
	var peaks []*db.Peak
	for _, a := range b.Activities {
		s, err := env.Store.GetStreams(ctx, a.ID, "time", "heartrate", "watts")
		if err != nil {
			return err
		}
		args := PeaksArgs{
			Time:      s["time"],
			HeartRate: s["heartrate"],
			Periods:   PeakPeriods,
		}
		if a.Category != db.CategoryRun {
			args.Watts = s["watts"]
		}

		var values []PeakValue
		if env.Pool != nil {
			v, err := env.Pool.Execute(ctx, OpFindPeaks, args)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if err != nil {
				b.Fail(a.ID, err)
				continue
			}
			values, _ = v.([]PeakValue)
		} else {
			values, err = FindPeaks(args)
			if err != nil {
				b.Fail(a.ID, err)
				continue
			}
		}

		for _, p := range values {
			peaks = append(peaks, &db.Peak{
				ActivityID: a.ID,
				AthleteID:  a.AthleteID,
				Type:       p.Type,
				Period:     p.Period,
				Value:      p.Value,
				TS:         a.TS,
			})
		}
	}
	return env.Store.PutPeaks(ctx, peaks)
}
