package syncjob

import (
	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
)

type groupOutcome int

const (
	outcomePending groupOutcome = iota
	outcomeDone
	outcomeNoData
	outcomeFailed
)

// groupStatus walks the stages of a group in order. An error or a stage not
// yet current ends the walk.
func groupStatus(reg *manifest.Registry, states manifest.States, group manifest.Group) groupOutcome {
	stages := reg.Stages(group)
	if len(stages) == 0 {
		return outcomePending
	}
	result := outcomeDone
	for _, s := range stages {
		switch {
		case states.HasError(s):
			return outcomeFailed
		case !states.IsCurrent(s):
			return outcomePending
		case states.IsNotApplicable(s):
			result = outcomeNoData
		}
	}
	return result
}

// ComputeCounts summarizes sync progress over activities.
//
// Imported counts activities whose remote stages all produced data.
// Unavailable counts remote failures and remote stages with no data; the
// latter still count toward Processed once local stages finish.
func ComputeCounts(reg *manifest.Registry, activities []*db.Activity) events.Counts {
	c := events.Counts{Total: len(activities)}
	for _, a := range activities {
		switch groupStatus(reg, a.SyncState, manifest.GroupRemote) {
		case outcomeDone:
			c.Imported++
		case outcomeNoData:
			c.Unavailable++
		case outcomeFailed:
			c.Unavailable++
			continue
		default:
			continue
		}

		switch groupStatus(reg, a.SyncState, manifest.GroupLocal) {
		case outcomeDone, outcomeNoData:
			c.Processed++
		case outcomeFailed:
			c.Unprocessable++
		}
	}
	return c
}
