// Package diskguard watches free space on the output volume and tells the
// scheduler when to slow down or stop.
package diskguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/timmy/avcorpus/internal/logger"
	"golang.org/x/sys/unix"
)

// Level is the backpressure signal derived from free space.
type Level int

const (
	LevelOK Level = iota
	LevelThrottle
	LevelHalt
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelThrottle:
		return "throttle"
	case LevelHalt:
		return "halt"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// StatFunc reports the bytes available to unprivileged writers under path.
type StatFunc func(path string) (uint64, error)

// Statfs reads free space with statfs(2).
func Statfs(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Config holds the guard thresholds.
type Config struct {
	Path          string
	ThrottleFloor uint64
	HaltFloor     uint64
	Interval      time.Duration
	Stat          StatFunc // nil uses Statfs
}

// Guard samples free space and publishes level changes.
type Guard struct {
	cfg Config
	log *logger.Logger

	mu       sync.RWMutex
	level    Level
	free     uint64
	sampled  bool
	watchers []chan Level
}

// New creates a guard. The halt floor must not exceed the throttle floor.
func New(cfg Config) (*Guard, error) {
	if cfg.HaltFloor > cfg.ThrottleFloor {
		return nil, fmt.Errorf("halt floor (%s) must not exceed throttle floor (%s)",
			humanize.IBytes(cfg.HaltFloor), humanize.IBytes(cfg.ThrottleFloor))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Stat == nil {
		cfg.Stat = Statfs
	}
	return &Guard{
		cfg: cfg,
		log: logger.GetDefault().WithField(logger.FieldComponent, "diskguard"),
	}, nil
}

// Level returns the most recent level. Before the first sample it is ok.
func (g *Guard) Level() Level {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// Free returns the most recently sampled free bytes.
func (g *Guard) Free() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.free
}

// Subscribe returns a channel receiving every level change. Slow receivers
// miss intermediate changes but always see the latest one.
func (g *Guard) Subscribe() <-chan Level {
	ch := make(chan Level, 1)
	g.mu.Lock()
	g.watchers = append(g.watchers, ch)
	g.mu.Unlock()
	return ch
}

// Classify maps a free byte count onto a level.
func (g *Guard) Classify(free uint64) Level {
	switch {
	case free < g.cfg.HaltFloor:
		return LevelHalt
	case free < g.cfg.ThrottleFloor:
		return LevelThrottle
	}
	return LevelOK
}

// Sample reads free space once and updates the level.
func (g *Guard) Sample() (Level, error) {
	free, err := g.cfg.Stat(g.cfg.Path)
	if err != nil {
		return g.Level(), err
	}
	level := g.Classify(free)

	g.mu.Lock()
	prev, first := g.level, !g.sampled
	g.level, g.free, g.sampled = level, free, true
	var watchers []chan Level
	if level != prev || first {
		watchers = append(watchers, g.watchers...)
	}
	g.mu.Unlock()

	if level != prev {
		entry := g.log.WithFields(logger.Fields{
			"free":  humanize.IBytes(free),
			"from":  prev.String(),
			"to":    level.String(),
			"floor": humanize.IBytes(g.floorFor(level)),
		})
		if level == LevelOK {
			entry.Info("Disk level recovered")
		} else {
			entry.Warn("Disk level changed")
		}
	}
	for _, ch := range watchers {
		publish(ch, level)
	}
	return level, nil
}

func (g *Guard) floorFor(level Level) uint64 {
	if level == LevelHalt {
		return g.cfg.HaltFloor
	}
	return g.cfg.ThrottleFloor
}

// publish replaces any unread value with the latest level.
func publish(ch chan Level, level Level) {
	for {
		select {
		case ch <- level:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Run samples every interval until ctx is done. Sampling errors are logged
// and keep the previous level.
func (g *Guard) Run(ctx context.Context) {
	if _, err := g.Sample(); err != nil {
		g.log.WithError(err).Warn("Disk sample failed")
	}
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sample(); err != nil {
				g.log.WithError(err).Warn("Disk sample failed")
			}
		}
	}
}
