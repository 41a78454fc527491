package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/vk/labsched/internal/faults"
)

// Dispatch is the reference Scheduler implementation: a shifted-bottleneck-
// flavored list scheduler with earliest-deadline-first tie-breaking, as
// permitted by spec §4.4 in place of a full CP/MIP solver.
type Dispatch struct{}

// New returns the reference Scheduler.
func New() *Dispatch { return &Dispatch{} }

// deviceOccupancy tracks the intervals already assigned to one device
// during this planning pass, so later assignments can check capacity and
// overlap against everything placed so far, including intervals retained
// from a Previous plan under ModeShort.
type deviceOccupancy struct {
	intervals []occInterval
}

type occInterval struct {
	start, finish time.Time
	containers    int
}

func (o *deviceOccupancy) add(start, finish time.Time, containers int) {
	o.intervals = append(o.intervals, occInterval{start, finish, containers})
}

// feasibleStart finds the earliest instant at or after readyAt where a step
// of the given duration and container count can run on dv without
// exceeding process_capacity, capacity, or (for non-overlapping devices)
// running concongruently with any other step at all. It never looks past
// horizon, a safety bound so a pathological input cannot loop forever.
func (o *deviceOccupancy) feasibleStart(dv DeviceView, readyAt time.Time, dur time.Duration, containers int, horizon time.Time) (time.Time, bool) {
	cs := readyAt
	for attempt := 0; attempt < len(o.intervals)+1; attempt++ {
		finish := cs.Add(dur)
		conflict, pushTo := o.conflict(dv, cs, finish, containers)
		if !conflict {
			return cs, true
		}
		if !pushTo.After(cs) {
			// Defensive: a non-advancing push would loop forever.
			pushTo = cs.Add(time.Second)
		}
		cs = pushTo
		if cs.After(horizon) {
			return time.Time{}, false
		}
	}
	return time.Time{}, false
}

// conflict reports whether placing a step at [start,finish) with the given
// container count would violate dv's capacity, process_capacity, or
// no-overlap rule against any interval already in o, and if so the
// earliest instant worth retrying at.
func (o *deviceOccupancy) conflict(dv DeviceView, start, finish time.Time, containers int) (bool, time.Time) {
	processCap := dv.ProcessCapacity
	if processCap <= 0 {
		processCap = dv.Capacity
	}

	concurrentOps := 1
	concurrentContainers := containers
	var retryAt time.Time

	for _, iv := range o.intervals {
		if !iv.start.Before(finish) || !start.Before(iv.finish) {
			continue // no time overlap
		}
		if !dv.AllowsOverlap {
			if retryAt.IsZero() || iv.finish.Before(retryAt) {
				retryAt = iv.finish
			}
			continue
		}
		concurrentOps++
		concurrentContainers += iv.containers
	}

	if !dv.AllowsOverlap && !retryAt.IsZero() {
		return true, retryAt
	}
	if concurrentOps > processCap || concurrentContainers > dv.Capacity {
		// Overlap permitted but this device is saturated; retry after the
		// earliest interval in the overlapping window ends.
		earliest := finish
		for _, iv := range o.intervals {
			if iv.start.Before(finish) && start.Before(iv.finish) && iv.finish.Before(earliest) {
				earliest = iv.finish
			}
		}
		return true, earliest
	}
	return false, time.Time{}
}

// Schedule implements the Scheduler interface.
func (d *Dispatch) Schedule(ctx context.Context, snap Snapshot, now time.Time, budget time.Duration, mode Mode) (*Plan, error) {
	// The budget bounds the algorithm's own real running time, independent
	// of the domain clock `now` (which may be a simulated or historical
	// timestamp in tests), so it is measured against the wall clock here.
	runStart := time.Now()
	byID := make(map[string]StepView, len(snap.Steps))
	for _, s := range snap.Steps {
		byID[s.ID] = s
	}

	occupancy := make(map[string]*deviceOccupancy)
	for name := range snap.Devices {
		occupancy[name] = &deviceOccupancy{}
	}

	assignments := make(map[string]Assignment)
	scheduled := make(map[string]time.Time) // step id -> finish time

	if mode == ModeShort && snap.Previous != nil {
		retainPreviousAssignments(snap, byID, snap.Previous, assignments, scheduled, occupancy)
	}

	horizon := now.Add(7 * 24 * time.Hour)

	remaining := make(map[string]StepView)
	for id, s := range byID {
		if _, done := scheduled[id]; !done {
			remaining[id] = s
		}
	}

	for len(remaining) > 0 {
		if time.Since(runStart) > budget {
			break
		}

		candidates := readyCandidates(remaining, scheduled)
		if len(candidates) == 0 {
			break // everything left is blocked on a dependency outside this universe, or deferred forever
		}

		best, earliestStart, deferred := pickBest(candidates, byID, scheduled, snap.Priority, now)
		for _, id := range deferred {
			delete(remaining, id) // cannot ever be bundled/placed feasibly this pass
		}
		if best == "" {
			continue
		}

		step := byID[best]
		dv, devName, ok := chooseDevice(step, snap.Devices, occupancy, earliestStart, horizon)
		if !ok {
			delete(remaining, best)
			continue
		}

		start, ok := occupancy[devName].feasibleStart(dv, earliestStart, step.EstimatedDur, len(step.Containers), horizon)
		if !ok {
			delete(remaining, best)
			continue
		}
		finish := start.Add(step.EstimatedDur)
		occupancy[devName].add(start, finish, len(step.Containers))

		assignments[best] = Assignment{
			StepID:        best,
			ProcessID:     step.ProcessID,
			Device:        devName,
			EarliestStart: start,
			LatestStart:   start,
			Finish:        finish,
		}
		scheduled[best] = finish
		delete(remaining, best)
	}

	plan := &Plan{Assignments: assignments, Queue: buildQueues(assignments)}
	if len(assignments) == 0 && len(snap.Steps) > 0 {
		if snap.Previous != nil {
			return snap.Previous, faults.New(faults.Unschedulable, nil)
		}
		return plan, faults.New(faults.Unschedulable, nil)
	}
	return plan, nil
}

// retainPreviousAssignments seeds occupancy and scheduled/assignments from
// the prior plan for every step still present, per ModeShort's "retains
// assignments unaffected by the trigger event."
func retainPreviousAssignments(snap Snapshot, byID map[string]StepView, prev *Plan, assignments map[string]Assignment, scheduled map[string]time.Time, occupancy map[string]*deviceOccupancy) {
	for id, a := range prev.Assignments {
		step, ok := byID[id]
		if !ok {
			continue
		}
		o, ok := occupancy[a.Device]
		if !ok {
			continue
		}
		o.add(a.EarliestStart, a.Finish, len(step.Containers))
		assignments[id] = a
		scheduled[id] = a.Finish
	}
}

// readyCandidates returns steps whose dependencies are already scheduled.
func readyCandidates(remaining map[string]StepView, scheduled map[string]time.Time) []string {
	var out []string
	for id, s := range remaining {
		ready := true
		for _, dep := range s.Deps {
			if _, ok := scheduled[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// pickBest applies the normative tie-break order: earlier earliest-possible
// start wins; then lower process priority number; then lower edge wait_cost
// sum; then lexicographic step id. Steps whose earliest-possible start
// would violate a max_wait constraint are returned as deferred instead.
func pickBest(candidates []string, byID map[string]StepView, scheduled map[string]time.Time, priority map[string]int, now time.Time) (best string, earliestStart time.Time, deferred []string) {
	type scored struct {
		id       string
		start    time.Time
		priority int
		waitCost float64
	}
	var pool []scored

	for _, id := range candidates {
		s := byID[id]
		start := s.ReadyAt
		if start.Before(now) {
			start = now
		}
		var waitCostSum float64
		violatesMaxWait := false
		for _, dep := range s.Deps {
			depFinish := scheduled[dep]
			wc := s.WaitFrom[dep]
			waitCostSum += wc.WaitCost
			candidateStart := depFinish.Add(wc.MinWait)
			if candidateStart.After(start) {
				start = candidateStart
			}
			if wc.MaxWait > 0 && start.After(depFinish.Add(wc.MaxWait)) {
				violatesMaxWait = true
			}
		}
		if violatesMaxWait {
			deferred = append(deferred, id)
			continue
		}
		pool = append(pool, scored{id: id, start: start, priority: priority[s.ProcessID], waitCost: waitCostSum})
	}

	if len(pool) == 0 {
		return "", time.Time{}, deferred
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.waitCost != b.waitCost {
			return a.waitCost < b.waitCost
		}
		return a.id < b.id
	})
	return pool[0].id, pool[0].start, deferred
}

// chooseDevice picks a concrete device for the step: the one named device
// for a movement step (its TargetDevice is already concrete), or, for a
// kind-only operation, the candidate device of the matching kind that
// rejects the fewest constraints — here, simply the first device (in name
// order) meeting the min_capacity bundling requirement, deferring the
// exact start-time optimization to feasibleStart.
func chooseDevice(step StepView, devices map[string]DeviceView, occupancy map[string]*deviceOccupancy, readyAt, horizon time.Time) (DeviceView, string, bool) {
	if step.IsMovement {
		dv, ok := devices[step.TargetDevice]
		if !ok {
			return DeviceView{}, "", false
		}
		if len(step.Containers) < max(dv.MinCapacity, 1) {
			return DeviceView{}, "", false
		}
		return dv, step.TargetDevice, true
	}

	var names []string
	for name, dv := range devices {
		if dv.Kind == step.DeviceKind {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dv := devices[name]
		if len(step.Containers) < max(dv.MinCapacity, 1) {
			continue
		}
		return dv, name, true
	}
	return DeviceView{}, "", false
}

func buildQueues(assignments map[string]Assignment) map[string][]string {
	queues := make(map[string][]string)
	for id, a := range assignments {
		queues[a.Device] = append(queues[a.Device], id)
	}
	for device, ids := range queues {
		sort.Slice(ids, func(i, j int) bool {
			return assignments[ids[i]].EarliestStart.Before(assignments[ids[j]].EarliestStart)
		})
		queues[device] = ids
	}
	return queues
}
