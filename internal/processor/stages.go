package processor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
)

// Stage names of the stock manifest
const (
	StageStreams       = "streams"
	StageHRZones       = "hr-zones"
	StageExtraStreams  = "extra-streams"
	StageActivityStats = "activity-stats"
	StagePeaks         = "peaks"
	StageTrainingLoad  = "training-load"
)

// StreamTypes are requested from the remote source for every activity
var StreamTypes = []string{
	"time",
	"heartrate",
	"altitude",
	"distance",
	"moving",
	"velocity_smooth",
	"cadence",
	"latlng",
	"watts",
	"watts_calc",
	"grade_adjusted_distance",
	"temp",
}

// RegisterDefaults declares the stock remote and local stages
func RegisterDefaults(reg *manifest.Registry) error {
	stages := []manifest.Stage{
		{
			Group:        manifest.GroupRemote,
			Name:         StageStreams,
			Version:      1,
			ErrorBackoff: 4 * time.Hour,
			Streams:      StreamTypes,
		},
		{
			Group:        manifest.GroupLocal,
			Name:         StageHRZones,
			Version:      1,
			ErrorBackoff: time.Hour,
			Unit:         Func(hrZones),
		},
		{
			Group:        manifest.GroupLocal,
			Name:         StageExtraStreams,
			Version:      1,
			ErrorBackoff: time.Hour,
			Unit:         Func(extraStreams),
		},
		{
			Group:        manifest.GroupLocal,
			Name:         StageActivityStats,
			Version:      3,
			Depends:      []string{StageExtraStreams, StageHRZones},
			ErrorBackoff: time.Hour,
			Unit:         Func(activityStats),
		},
		{
			Group:        manifest.GroupLocal,
			Name:         StagePeaks,
			Version:      4,
			Depends:      []string{StageExtraStreams},
			ErrorBackoff: time.Hour,
			Unit:         &OffloadUnit{Process: findPeaks, ChunkSize: 20},
		},
		{
			Group:        manifest.GroupLocal,
			Name:         StageTrainingLoad,
			Version:      4,
			Depends:      []string{StageActivityStats},
			ErrorBackoff: time.Hour,
			Unit:         Func(trainingLoad),
		},
	}
	for _, s := range stages {
		if err := reg.Register(s); err != nil {
			return fmt.Errorf("failed to register %s: %w", manifest.Qualifier(s.Group, s.Name), err)
		}
	}
	return nil
}

// Samples further apart than this are treated as a pause
const maxSampleGap = 30.0

const defaultRestingHR = 60.0

func ensureStats(a *db.Activity) {
	if a.Stats == nil {
		a.Stats = make(map[string]float64)
	}
}

// =============================================================================
// hr-zones
// =============================================================================

// Zone upper bounds as a fraction of max heart rate
var hrZoneBounds = []float64{0.6, 0.7, 0.8, 0.9}

func hrZones(ctx context.Context, env *Env, b *Batch) error {
	maxHR := b.Athlete.MaxHR
	for _, a := range b.Activities {
		ensureStats(a)
		for i := 1; i <= len(hrZoneBounds)+1; i++ {
			delete(a.Stats, fmt.Sprintf("hrz%d", i))
		}
		if maxHR <= 0 {
			continue
		}
		s, err := env.Store.GetStreams(ctx, a.ID, "time", "heartrate")
		if err != nil {
			return err
		}
		t, hr := s["time"], s["heartrate"]
		if len(t) == 0 || len(hr) != len(t) {
			continue
		}
		for i, secs := range zoneSeconds(t, hr, maxHR) {
			a.Stats[fmt.Sprintf("hrz%d", i+1)] = secs
		}
	}
	return nil
}

func zoneSeconds(t, hr []float64, maxHR float64) []float64 {
	zones := make([]float64, len(hrZoneBounds)+1)
	for i := 1; i < len(t); i++ {
		dt := t[i] - t[i-1]
		if dt <= 0 || dt > maxSampleGap || hr[i] <= 0 {
			continue
		}
		frac := hr[i] / maxHR
		z := len(hrZoneBounds)
		for j, bound := range hrZoneBounds {
			if frac < bound {
				z = j
				break
			}
		}
		zones[z] += dt
	}
	return zones
}

// =============================================================================
// extra-streams
// =============================================================================

func extraStreams(ctx context.Context, env *Env, b *Batch) error {
	var out []*db.Stream
	for _, a := range b.Activities {
		s, err := env.Store.GetStreams(ctx, a.ID, "time", "moving", "velocity_smooth")
		if err != nil {
			return err
		}
		t := s["time"]
		if len(t) == 0 {
			continue
		}
		out = append(out, &db.Stream{
			ActivityID: a.ID,
			AthleteID:  a.AthleteID,
			Name:       "active",
			Data:       activeStream(t, s["moving"], s["velocity_smooth"], a.Category),
		})
	}
	return env.Store.PutStreams(ctx, out)
}

// activeStream marks each sample 1 when the athlete was moving. The moving
// stream wins when present; otherwise speed is compared to a per-category
// threshold. Without either every sample is active.
func activeStream(t, moving, velocity []float64, category db.Category) []float64 {
	active := make([]float64, len(t))
	minSpeed := 0.5
	if category == db.CategoryRun || category == db.CategorySwim {
		minSpeed = 0.25
	}
	for i := range active {
		switch {
		case len(moving) == len(t):
			if moving[i] != 0 {
				active[i] = 1
			}
		case len(velocity) == len(t):
			if velocity[i] >= minSpeed {
				active[i] = 1
			}
		default:
			active[i] = 1
		}
	}
	return active
}

// =============================================================================
// activity-stats
// =============================================================================

var activityStatKeys = []string{
	"elapsed_time", "active_time", "distance", "elevation_gain",
	"avg_hr", "max_hr", "avg_power", "np", "tss", "trimp", "load",
}

func activityStats(ctx context.Context, env *Env, b *Batch) error {
	for _, a := range b.Activities {
		ensureStats(a)
		for _, k := range activityStatKeys {
			delete(a.Stats, k)
		}

		s, err := env.Store.GetStreams(ctx, a.ID, "time", "active", "distance", "altitude", "heartrate", "watts")
		if err != nil {
			return err
		}
		t := s["time"]
		if len(t) < 2 {
			continue
		}
		computeStats(a, b.Athlete, s)
	}
	return nil
}

func aligned(t, v []float64) []float64 {
	if len(v) != len(t) {
		return nil
	}
	return v
}

func computeStats(a *db.Activity, athlete *db.Athlete, s map[string][]float64) {
	t := s["time"]
	active := aligned(t, s["active"])
	a.Stats["elapsed_time"] = t[len(t)-1] - t[0]

	activeTime := 0.0
	for i := 1; i < len(t); i++ {
		dt := t[i] - t[i-1]
		if dt <= 0 || dt > maxSampleGap {
			continue
		}
		if active == nil || active[i] != 0 {
			activeTime += dt
		}
	}
	a.Stats["active_time"] = activeTime

	if d := aligned(t, s["distance"]); d != nil {
		a.Stats["distance"] = d[len(d)-1] - d[0]
	}
	if alt := aligned(t, s["altitude"]); alt != nil {
		gain := 0.0
		for i := 1; i < len(alt); i++ {
			if delta := alt[i] - alt[i-1]; delta > 0 {
				gain += delta
			}
		}
		a.Stats["elevation_gain"] = gain
	}

	hr := aligned(t, s["heartrate"])
	if hr != nil {
		sum, n, peak := 0.0, 0, 0.0
		for _, v := range hr {
			if v > 0 {
				sum += v
				n++
				peak = math.Max(peak, v)
			}
		}
		if n > 0 {
			a.Stats["avg_hr"] = sum / float64(n)
			a.Stats["max_hr"] = peak
		}
		if athlete.MaxHR > defaultRestingHR {
			tr := trimp(t, hr, athlete.MaxHR, defaultRestingHR, athlete.Gender == "female")
			a.Stats["trimp"] = tr
			a.Stats["load"] = tr
		}
	}

	if watts := aligned(t, s["watts"]); watts != nil {
		sum := 0.0
		for _, v := range watts {
			sum += v
		}
		a.Stats["avg_power"] = sum / float64(len(watts))
		np := normalizedPower(t, watts)
		if np > 0 {
			a.Stats["np"] = np
		}
		if ftp, ok := athlete.FTPHistory.ValueAt(a.TS); ok && ftp > 0 && np > 0 {
			intensity := np / ftp
			tss := activeTime * np * intensity / (ftp * 3600) * 100
			a.Stats["tss"] = tss
			a.Stats["load"] = tss
		}
	}
}

// rollingAverages returns the mean of every full window of period seconds.
// Samples are assumed to cover one second each.
func rollingAverages(t, v []float64, period float64) []float64 {
	var out []float64
	sum := 0.0
	l := 0
	for r := range v {
		sum += v[r]
		for t[r]-t[l] >= period {
			sum -= v[l]
			l++
		}
		if t[r]-t[l] >= period-1 {
			out = append(out, sum/float64(r-l+1))
		}
	}
	return out
}

func normalizedPower(t, watts []float64) float64 {
	rolls := rollingAverages(t, watts, 30)
	if len(rolls) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range rolls {
		sum += math.Pow(p, 4)
	}
	return math.Pow(sum/float64(len(rolls)), 0.25)
}

// trimp is Banister's training impulse
func trimp(t, hr []float64, maxHR, restHR float64, female bool) float64 {
	k, e := 0.64, 1.92
	if female {
		k, e = 0.86, 1.67
	}
	total := 0.0
	for i := 1; i < len(t); i++ {
		dt := t[i] - t[i-1]
		if dt <= 0 || dt > maxSampleGap || hr[i] <= restHR {
			continue
		}
		reserve := math.Min((hr[i]-restHR)/(maxHR-restHR), 1)
		total += dt / 60 * reserve * k * math.Exp(e*reserve)
	}
	return total
}

// =============================================================================
// training-load
// =============================================================================

const (
	atlDays = 7
	ctlDays = 42
)

func trainingLoad(ctx context.Context, env *Env, b *Batch) error {
	for _, a := range b.Activities {
		ensureStats(a)
		prior, err := env.Store.GetActivitiesForAthlete(ctx, a.AthleteID, db.ActivityQuery{
			Start: a.TS.Add(-ctlDays * 24 * time.Hour),
			End:   a.TS,
		})
		if err != nil {
			return err
		}
		atl, ctl := loadAt(a.TS, append(prior, a))
		a.Stats["atl"] = atl
		a.Stats["ctl"] = ctl
		a.Stats["tsb"] = ctl - atl
	}
	return nil
}

// loadAt is the exponentially weighted acute and chronic load at ts
func loadAt(ts time.Time, activities []*db.Activity) (atl, ctl float64) {
	for _, a := range activities {
		load := a.Stats["load"]
		if load <= 0 {
			continue
		}
		days := ts.Sub(a.TS).Hours() / 24
		if days < 0 {
			continue
		}
		atl += load * (1 - math.Exp(-1.0/atlDays)) * math.Exp(-days/atlDays)
		ctl += load * (1 - math.Exp(-1.0/ctlDays)) * math.Exp(-days/ctlDays)
	}
	return atl, ctl
}
