// Package checkpoint periodically saves server state to a cache file.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/cache"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

const DefaultSchedule = "@every 30s"

// DefaultCounterGap is added to a restored counter. Codes issued after the last checkpoint and
// before a crash are then never reissued with the same counter.
const DefaultCounterGap = 1000

type Config struct {
	File       string `yaml:"file"`
	Schedule   string `yaml:"schedule"`
	CounterGap uint64 `yaml:"counter_gap"`
}

func DefaultConfig() Config {
	return Config{Schedule: DefaultSchedule, CounterGap: DefaultCounterGap}
}

// Source provides the state to save. *peripheral.Server implements it.
type Source interface {
	Snapshot() (peripheral.Snapshot, error)
}

type Checkpointer struct {
	config Config
	device string
	source Source
	cache  *cache.StateCache
	cron   *cron.Cron
	now    func() time.Time

	lock  sync.Mutex
	saved int
}

// New returns a Checkpointer saving device's state from source into c. Nothing is written until
// Start or Save is called.
func New(cfg Config, device string, source Source, c *cache.StateCache) (*Checkpointer, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	p := &Checkpointer{
		config: cfg,
		device: device,
		source: source,
		cache:  c,
		cron:   cron.New(),
		now:    time.Now,
	}
	if _, err := p.cron.AddFunc(cfg.Schedule, p.job); err != nil {
		return nil, fmt.Errorf("checkpoint: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return p, nil
}

// Restore returns the saved state for device with the counter advanced by the configured gap.
func Restore(cfg Config, c *cache.StateCache, device string) (cache.Entry, bool) {
	entry, ok := c.GetEntry(device)
	if !ok {
		return cache.Entry{}, false
	}
	entry.Rolling.Counter += cfg.CounterGap
	return entry, true
}

// Apply restores entry into a generator and server that have not started yet.
func Apply(entry cache.Entry, generator *rolling.Generator, server *peripheral.Server) {
	generator.Restore(entry.Rolling)
	server.RestoreLiveness(entry.Liveness)
}

func (p *Checkpointer) job() {
	if err := p.Save(); err != nil {
		log.Warning("Checkpoint failed: %s", err)
	}
}

// Save records the current state and writes the cache file, if one is configured.
func (p *Checkpointer) Save() error {
	snap, err := p.source.Snapshot()
	if err != nil {
		return err
	}
	entry := cache.Entry{Rolling: snap.Rolling, Liveness: snap.Liveness, UpdatedAt: p.now()}
	if err := p.cache.Update(p.device, entry); err != nil {
		return err
	}
	if p.config.File != "" {
		if err := p.cache.ExportToFile(p.config.File); err != nil {
			return err
		}
	}
	p.lock.Lock()
	p.saved++
	p.lock.Unlock()
	log.Debug("Checkpoint saved: counter %d, liveness %d", entry.Rolling.Counter, entry.Liveness)
	return nil
}

// Saved returns how many checkpoints have been written.
func (p *Checkpointer) Saved() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.saved
}

func (p *Checkpointer) Start() {
	p.cron.Start()
}

// Stop waits for a running checkpoint, bounded by ctx. It does not save.
func (p *Checkpointer) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
