package scheduler

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// laneBacklog is how many tasks a lane buffers beyond its workers.
const laneBacklog = 256

// Lane names used by the scheduler.
const (
	LaneExecutions  = "executions"
	LaneMaintenance = "maintenance"
)

// LaneConfig describes one worker lane.
type LaneConfig struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
}

/// DefaultLanes returns the standard lane set: a wide lane for job
// executions and a narrow one for background upkeep (reaping, partition
// maintenance, retention).
func DefaultLanes(executionConcurrency int) []LaneConfig {
	if executionConcurrency <= 0 {
		executionConcurrency = 64
	}
	return []LaneConfig{
		{Name: LaneExecutions, Concurrency: executionConcurrency},
		{Name: LaneMaintenance, Concurrency: 2},
	}
}

// LaneStats is a point-in-time utilization snapshot.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
}

// Lane is a fixed-size worker pool. Submit never blocks: a full backlog is
// an error the caller handles.
type Lane struct {
	name        string
	concurrency int

	tasks  chan func()
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	active atomic.Int32
}

// NewLane starts a lane with the given worker count.
func NewLane(name string, concurrency int) *Lane {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Lane{
		name:        name,
		concurrency: concurrency,
		tasks:       make(chan func(), laneBacklog),
		quit:        make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

func (l *Lane) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			l.runTask(fn)
		}
	}
}

func (l *Lane) runTask(fn func()) {
	l.active.Add(1)
	defer l.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lane task panicked",
				"lane", l.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Submit hands fn to the lane. It returns ErrLaneStopped after Stop and
// ErrLaneFull when the backlog is at capacity.
func (l *Lane) Submit(fn func()) error {
	select {
	case <-l.quit:
		return ErrLaneStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.quit:
		return ErrLaneStopped
	default:
		return ErrLaneFull
	}
}

// Stop makes the lane reject new work and lets idle workers exit. Tasks
// already running finish on their own; the caller owns draining them.
func (l *Lane) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Stats returns the lane's current utilization.
func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:        l.name,
		Concurrency: l.concurrency,
		Active:      int(l.active.Load()),
		Queued:      len(l.tasks),
	}
}

// LaneManager owns a named set of lanes.
type LaneManager struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
	order []string
}

// NewLaneManager builds the lanes described by configs.
func NewLaneManager(configs []LaneConfig) *LaneManager {
	lm := &LaneManager{lanes: make(map[string]*Lane, len(configs))}
	for _, cfg := range configs {
		lm.lanes[cfg.Name] = NewLane(cfg.Name, cfg.Concurrency)
		lm.order = append(lm.order, cfg.Name)
	}
	return lm
}

// Get returns the named lane, falling back to the executions lane for
// unknown names.
func (lm *LaneManager) Get(name string) *Lane {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if l, ok := lm.lanes[name]; ok {
		return l
	}
	return lm.lanes[LaneExecutions]
}

// StopAll stops every lane.
func (lm *LaneManager) StopAll() {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, l := range lm.lanes {
		l.Stop()
	}
}

// AllStats returns stats for every lane in construction order.
func (lm *LaneManager) AllStats() []LaneStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]LaneStats, 0, len(lm.order))
	for _, name := range lm.order {
		out = append(out, lm.lanes[name].Stats())
	}
	return out
}
