package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/rolling"
)

// Entry is the saved state of one opener.
type Entry struct {
	Rolling   rolling.State `json:"rolling"`
	Liveness  uint64        `json:"liveness"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type StateCache struct {
	MaxEntries int              `json:"max_entries"`
	Devices    map[string]Entry `json:"devices"`
	lock       sync.Mutex
}

// New returns a StateCache that holds state for up to maxEntries devices. When full, the entry
// that was updated least recently is evicted.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *StateCache {
	return &StateCache{
		MaxEntries: maxEntries,
		Devices:    make(map[string]Entry),
	}
}

// Import a StateCache using data in r.
// The data should previously have been generated using [StateCache.Export].
func Import(r io.Reader) (*StateCache, error) {
	var cache StateCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Devices == nil {
		cache.Devices = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a StateCache from disk.
func ImportFromFile(filename string) (*StateCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized StateCache to w.
func (c *StateCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a StateCache to disk. The file is replaced atomically so a crash mid-write
// leaves the previous state intact.
func (c *StateCache) ExportToFile(filename string) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := c.Export(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// Update the StateCache's entry for device. An entry whose rolling counter is behind the cached
// one is refused, since saving it would let answered challenges be replayed after a restart.
func (c *StateCache) Update(device string, entry Entry) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if old, ok := c.Devices[device]; ok && entry.Rolling.Counter < old.Rolling.Counter {
		return fmt.Errorf("cache: counter for %s would go back from %d to %d", device, old.Rolling.Counter, entry.Rolling.Counter)
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	c.Devices[device] = entry
	if c.MaxEntries > 0 && len(c.Devices) > c.MaxEntries {
		oldest := device
		oldestTime := entry.UpdatedAt
		for name, e := range c.Devices {
			if e.UpdatedAt.Before(oldestTime) {
				oldest = name
				oldestTime = e.UpdatedAt
			}
		}
		delete(c.Devices, oldest)
	}
	return nil
}

// GetEntry returns the state saved for device.
func (c *StateCache) GetEntry(device string) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Devices[device]
	return entry, ok
}

// Delete forgets device, for example after its secret was rotated.
func (c *StateCache) Delete(device string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.Devices, device)
}
