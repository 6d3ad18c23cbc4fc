package sched

import (
	"sync"

	"mediamill/events"
	"mediamill/task"
)

const emaAlpha = 0.3

// stageWeights maps each kind to per-stage percentage weights. Must sum to
// 100 and align with task.StagesFor.
var stageWeights = map[task.Kind][]float64{
	task.KindFetch:  {5, 55, 10, 15, 5, 10},
	task.KindDerive: {5, 45, 45, 5},
}

type aggState struct {
	kind          task.Kind
	stageIndex    int
	epoch         int
	stageFraction float64
	overall       float64
	rateEMA       float64
	hasRate       bool
	etaEMA        float64
	hasETA        bool
	stage         string
}

// Aggregator folds per-stage progress into a task-level fraction and ETA,
// enforcing monotonicity per (stageIndex, epoch) and smoothing rate/ETA with
// an exponential moving average.
type Aggregator struct {
	mu     sync.Mutex
	hub    *events.Hub
	states map[string]*aggState
}

func NewAggregator(hub *events.Hub) *Aggregator {
	return &Aggregator{hub: hub, states: make(map[string]*aggState)}
}

// OnStageProgress folds one sample. Out-of-order samples (older stage, or a
// decreasing fraction within the same stage and epoch) are discarded. The
// returned fraction is the accepted, possibly clamped stage fraction; ok is
// false when the sample was discarded.
func (a *Aggregator) OnStageProgress(t *task.Task, fraction, rateBps float64, etaSec int) (events.TaskProgress, bool) {
	a.mu.Lock()
	st, found := a.states[t.ID]
	if !found {
		st = &aggState{kind: t.Kind, stageIndex: -1}
		a.states[t.ID] = st
	}

	switch {
	case t.StageIndex < st.stageIndex:
		a.mu.Unlock()
		return events.TaskProgress{}, false
	case t.StageIndex > st.stageIndex || t.Epoch != st.epoch:
		// New stage or a forced restart: reset the stage-local floor.
		st.stageIndex = t.StageIndex
		st.epoch = t.Epoch
		st.stage = t.Stage()
		st.stageFraction = 0
	}

	if fraction < st.stageFraction {
		// Bursty collaborators may deliver stale samples; never regress.
		a.mu.Unlock()
		return events.TaskProgress{}, false
	}
	if fraction > 1 {
		fraction = 1
	}
	st.stageFraction = fraction

	overall := a.overall(st.kind, st.stageIndex, fraction)
	if overall > st.overall {
		st.overall = overall
	}

	if rateBps > 0 {
		if st.hasRate {
			st.rateEMA = emaAlpha*rateBps + (1-emaAlpha)*st.rateEMA
		} else {
			st.rateEMA = rateBps
			st.hasRate = true
		}
	}
	if etaSec >= 0 {
		if st.hasETA {
			st.etaEMA = emaAlpha*float64(etaSec) + (1-emaAlpha)*st.etaEMA
		} else {
			st.etaEMA = float64(etaSec)
			st.hasETA = true
		}
	}

	snap := a.snapshotLocked(t.ID, st)
	a.mu.Unlock()

	if a.hub != nil {
		a.hub.PublishProgress(snap)
	}
	return snap, true
}

// StageCompleted pins the stage at 1.0 so the overall value lands exactly on
// the cumulative weight boundary.
func (a *Aggregator) StageCompleted(t *task.Task) events.TaskProgress {
	snap, _ := a.OnStageProgress(t, 1.0, 0, -1)
	return snap
}

// Snapshot returns the current task-level progress.
func (a *Aggregator) Snapshot(taskID string) (events.TaskProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[taskID]
	if !ok {
		return events.TaskProgress{}, false
	}
	return a.snapshotLocked(taskID, st), true
}

// Drop discards aggregation state for a terminal task.
func (a *Aggregator) Drop(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, taskID)
}

func (a *Aggregator) snapshotLocked(taskID string, st *aggState) events.TaskProgress {
	eta := -1
	if st.hasETA {
		eta = int(st.etaEMA)
	}
	rate := 0.0
	if st.hasRate {
		rate = st.rateEMA
	}
	return events.TaskProgress{
		TaskID:        taskID,
		Stage:         st.stage,
		StageIndex:    st.stageIndex,
		StageFraction: st.stageFraction,
		Overall:       st.overall,
		RateBps:       rate,
		ETASec:        eta,
	}
}

// overall maps a stage-local fraction to the task-level fraction: the sum of
// the weights of completed stages plus the weighted current fraction.
func (a *Aggregator) overall(kind task.Kind, stageIndex int, fraction float64) float64 {
	weights, ok := stageWeights[kind]
	if !ok || stageIndex < 0 || stageIndex >= len(weights) {
		return fraction
	}
	done := 0.0
	for i := 0; i < stageIndex; i++ {
		done += weights[i]
	}
	return (done + weights[stageIndex]*fraction) / 100.0
}
