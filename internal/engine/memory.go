package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Genuineh/AiKv/internal/cluster/hash"
	"github.com/Genuineh/AiKv/internal/metrics"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

const janitorInterval = time.Second

var _ Engine = (*Memory)(nil)

// Memory is the default engine: a slot-indexed map. Keeping the primary
// index per slot makes GETKEYSINSLOT and migration scans O(slot size)
// instead of O(keyspace). Expired entries are dropped lazily on read and
// swept by a janitor.
type Memory struct {
	mu    sync.RWMutex
	slots [hash.SlotCount]map[string]*Entry
	count int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemory creates the store and starts its expiry janitor.
func NewMemory() *Memory {
	m := &Memory{}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.janitor(ctx)
	return m
}

func (m *Memory) Get(key string) ([]byte, bool) {
	entry, ok := m.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

func (m *Memory) GetEntry(key string) (*Entry, bool) {
	slot := hash.KeySlot(key)

	m.mu.RLock()
	entry, ok := m.slots[slot][key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		m.removeExpired(slot, key)
		return nil, false
	}
	return entry, true
}

// removeExpired re-checks under the write lock: another goroutine may have
// replaced the entry since the read.
func (m *Memory) removeExpired(slot uint16, key string) {
	m.mu.Lock()
	if entry, ok := m.slots[slot][key]; ok && entry.Expired(time.Now()) {
		delete(m.slots[slot], key)
		m.count--
	}
	m.mu.Unlock()
	metrics.KeysStored.Set(float64(m.Len()))
}

func (m *Memory) Set(key string, value []byte, ttl time.Duration) error {
	entry := &Entry{Value: value}
	if ttl > 0 {
		entry.ExpireAt = time.Now().Add(ttl)
	}
	return m.SetEntry(key, entry)
}

func (m *Memory) SetEntry(key string, entry *Entry) error {
	slot := hash.KeySlot(key)

	m.mu.Lock()
	if m.slots[slot] == nil {
		m.slots[slot] = make(map[string]*Entry)
	}
	if _, exists := m.slots[slot][key]; !exists {
		m.count++
	}
	m.slots[slot][key] = entry
	m.mu.Unlock()
	metrics.KeysStored.Set(float64(m.Len()))
	return nil
}

func (m *Memory) Delete(key string) (bool, error) {
	slot := hash.KeySlot(key)

	m.mu.Lock()
	entry, ok := m.slots[slot][key]
	if ok {
		delete(m.slots[slot], key)
		m.count--
	}
	m.mu.Unlock()

	if !ok || entry.Expired(time.Now()) {
		return false, nil
	}
	metrics.KeysStored.Set(float64(m.Len()))
	return true, nil
}

func (m *Memory) Exists(key string) bool {
	_, ok := m.GetEntry(key)
	return ok
}

func (m *Memory) Expire(key string, ttl time.Duration) bool {
	slot := hash.KeySlot(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.slots[slot][key]
	if !ok || entry.Expired(time.Now()) {
		return false
	}
	if ttl > 0 {
		entry.ExpireAt = time.Now().Add(ttl)
	} else {
		entry.ExpireAt = time.Time{}
	}
	return true
}

func (m *Memory) TTL(key string) time.Duration {
	entry, ok := m.GetEntry(key)
	if !ok {
		return TTLMissing
	}
	if entry.ExpireAt.IsZero() {
		return TTLNone
	}
	return time.Until(entry.ExpireAt)
}

func (m *Memory) Keys(pattern string) []string {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for slot := range m.slots {
		for key, entry := range m.slots[slot] {
			if entry.Expired(now) {
				continue
			}
			if matchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func (m *Memory) Rename(src, dst string) error {
	entry, ok := m.GetEntry(src)
	if !ok {
		return pkgerrors.ErrNoSuchKey
	}
	if err := m.SetEntry(dst, entry); err != nil {
		return err
	}
	_, err := m.Delete(src)
	return err
}

func (m *Memory) SlotKeys(slot uint16, count int) []string {
	if slot >= hash.SlotCount {
		return nil
	}
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.slots[slot]))
	for key, entry := range m.slots[slot] {
		if entry.Expired(now) {
			continue
		}
		keys = append(keys, key)
		if count > 0 && len(keys) >= count {
			break
		}
	}
	return keys
}

func (m *Memory) CountSlot(slot uint16) int {
	if slot >= hash.SlotCount {
		return 0
	}
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entry := range m.slots[slot] {
		if !entry.Expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

func (m *Memory) Flush() error {
	m.mu.Lock()
	for i := range m.slots {
		m.slots[i] = nil
	}
	m.count = 0
	m.mu.Unlock()
	metrics.KeysStored.Set(0)
	return nil
}

func (m *Memory) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Memory) janitor(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	for slot := range m.slots {
		for key, entry := range m.slots[slot] {
			if entry.Expired(now) {
				delete(m.slots[slot], key)
				m.count--
			}
		}
	}
	total := m.count
	m.mu.Unlock()
	metrics.KeysStored.Set(float64(total))
}
