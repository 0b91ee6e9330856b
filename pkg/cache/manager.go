// Package cache implements the LRU+TTL position cache and its persistence.
package cache

import (
	"container/list"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/logx"
)

// Entry is a cached position
type Entry struct {
	Position  pkg.Position `json:"position"`
	Timestamp int64        `json:"timestamp"` // insertion time, epoch ms
	Accuracy  *float64     `json:"accuracy,omitempty"`
}

// KeyedEntry pairs an entry with its cache key
type KeyedEntry struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// Stats is a point-in-time view of cache effectiveness
type Stats struct {
	HitCount    int64   `json:"hitCount"`
	MissCount   int64   `json:"missCount"`
	HitRate     float64 `json:"hitRate"`
	CurrentSize int     `json:"currentSize"`
	MaxSize     int     `json:"maxSize"`
	StorageSize int64   `json:"storageSize"` // bytes of the last persisted payload
}

// Config controls cache capacity, expiry and persistence
type Config struct {
	MaxSize           int           `json:"max_size" yaml:"max_size"`
	TTL               time.Duration `json:"ttl" yaml:"ttl"`
	EnablePersistence bool          `json:"enable_persistence" yaml:"enable_persistence"`
	CompressThreshold int           `json:"compress_threshold" yaml:"compress_threshold"`

	// Clock overrides time.Now
	Clock func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxSize:           100,
		TTL:               5 * time.Minute,
		EnablePersistence: true,
		CompressThreshold: 8 * 1024,
	}
}

// Key quantizes a coordinate pair to 4 decimals (about 11 m), truncating toward zero
func Key(lat, lng float64) string {
	return fmt.Sprintf("%.4f,%.4f", quantize(lat), quantize(lng))
}

func quantize(v float64) float64 {
	// nudge away from zero so 39.9042 does not truncate to 39.9041
	const eps = 1e-7
	t := math.Trunc(v*1e4 + math.Copysign(eps, v))
	if t == 0 {
		return 0
	}
	return t / 1e4
}

// Manager is a thread-safe LRU cache with lazy TTL expiry
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	items       map[string]*list.Element
	order       *list.List // front is most recently used
	hits        int64
	misses      int64
	storageSize int64

	storage   Storage
	writeMu   sync.Mutex // serializes snapshot-and-write so writes land in order
	logger    *logx.Logger
	persistCh chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

type element struct {
	key   string
	entry Entry
}

// NewManager creates a cache. With persistence enabled and a storage set,
// prior state is loaded, expired entries are dropped and a background
// writer is started.
func NewManager(cfg Config, storage Storage, logger *logx.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if storage == nil {
		cfg.EnablePersistence = false
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}

	m := &Manager{
		cfg:     cfg,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		storage: storage,
		logger:  logger,
	}

	if cfg.EnablePersistence {
		if err := m.Load(); err != nil {
			logger.Warn("failed to load persisted cache, starting empty", "error", err)
		}
		if n := m.Cleanup(); n > 0 {
			logger.Debug("dropped expired entries after load", "count", n)
		}

		m.persistCh = make(chan struct{}, 1)
		m.wg.Add(1)
		go m.persistLoop()
	}

	return m
}

func (m *Manager) now() int64 {
	return m.cfg.Clock().UnixMilli()
}

func (m *Manager) expired(e *Entry, now int64) bool {
	return now-e.Timestamp > m.cfg.TTL.Milliseconds()
}

// Get returns the entry for key. Unknown and expired keys count as misses;
// expired entries are removed.
func (m *Manager) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}

	e := el.Value.(*element)
	if m.expired(&e.entry, m.now()) {
		m.removeElement(el)
		m.misses++
		return nil, false
	}

	m.order.MoveToFront(el)
	m.hits++
	out := cloneEntry(e.entry)
	return &out, true
}

// Set stores pos under key, evicting the least recently used entry when full
func (m *Manager) Set(key string, pos pkg.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := Entry{Position: pos.Clone(), Timestamp: m.now()}
	if pos.Accuracy != nil {
		entry.Accuracy = pkg.Meters(*pos.Accuracy)
	}

	if el, ok := m.items[key]; ok {
		el.Value.(*element).entry = entry
		m.order.MoveToFront(el)
	} else {
		for m.order.Len() >= m.cfg.MaxSize {
			m.removeElement(m.order.Back())
		}
		m.items[key] = m.order.PushFront(&element{key: key, entry: entry})
	}

	m.requestPersistLocked()
	return nil
}

// SetPosition stores pos under its quantized key and returns the key
func (m *Manager) SetPosition(pos pkg.Position) (string, error) {
	key := Key(pos.Latitude, pos.Longitude)
	if err := m.Set(key, pos); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes key and reports whether it was present
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeElement(el)
	m.requestPersistLocked()
	return true
}

// Clear removes all entries and resets hit/miss counters
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.hits, m.misses = 0, 0
	m.requestPersistLocked()
}

// Cleanup removes all expired entries and returns how many were removed
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for el := m.order.Back(); el != nil; {
		prev := el.Prev()
		if m.expired(&el.Value.(*element).entry, now) {
			m.removeElement(el)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		m.requestPersistLocked()
	}
	return removed
}

// Stats returns hit/miss counters and sizes
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		HitCount:    m.hits,
		MissCount:   m.misses,
		CurrentSize: len(m.items),
		MaxSize:     m.cfg.MaxSize,
		StorageSize: m.storageSize,
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}
	return s
}

// Entries returns all non-expired entries, newest first. Recency and
// counters are not affected.
func (m *Manager) Entries() []KeyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]KeyedEntry, 0, len(m.items))
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*element)
		if m.expired(&e.entry, now) {
			continue
		}
		out = append(out, KeyedEntry{Key: e.key, Entry: cloneEntry(e.entry)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Entry.Timestamp > out[j].Entry.Timestamp
	})
	return out
}

// Freshest returns the most recently inserted non-expired entry no older
// than maxAge; maxAge <= 0 means any non-expired entry
func (m *Manager) Freshest(maxAge time.Duration) (*Entry, bool) {
	entries := m.Entries()
	if len(entries) == 0 {
		return nil, false
	}
	e := entries[0].Entry
	if maxAge > 0 && m.now()-e.Timestamp > maxAge.Milliseconds() {
		return nil, false
	}
	return &e, true
}

// UpdateConfig changes capacity and TTL at runtime, evicting overflow
func (m *Manager) UpdateConfig(maxSize int, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxSize > 0 {
		m.cfg.MaxSize = maxSize
	}
	if ttl > 0 {
		m.cfg.TTL = ttl
	}
	for m.order.Len() > m.cfg.MaxSize {
		m.removeElement(m.order.Back())
	}
	m.requestPersistLocked()
}

// Config returns the active configuration
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) removeElement(el *list.Element) {
	delete(m.items, el.Value.(*element).key)
	m.order.Remove(el)
}

// requestPersistLocked schedules a background save; callers hold m.mu
func (m *Manager) requestPersistLocked() {
	if !m.cfg.EnablePersistence || m.closed {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.wg.Done()
	for range m.persistCh {
		if err := m.Persist(); err != nil {
			m.logger.Warn("cache persistence failed", "error", err)
		}
	}
}

// Persist writes the current state to storage
func (m *Manager) Persist() error {
	if m.storage == nil || !m.Config().EnablePersistence {
		return nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	snap := &snapshot{
		Entries:     make([]keyedEntry, 0, len(m.items)),
		AccessOrder: make([]string, 0, len(m.items)),
		Stats:       persistedStats{HitCount: m.hits, MissCount: m.misses},
		Timestamp:   m.now(),
	}
	for el := m.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*element)
		snap.Entries = append(snap.Entries, keyedEntry{Key: e.key, Entry: cloneEntry(e.entry)})
		snap.AccessOrder = append(snap.AccessOrder, e.key)
	}
	threshold := m.cfg.CompressThreshold
	m.mu.Unlock()

	payload, err := encodeSnapshot(snap, threshold)
	if err != nil {
		return err
	}
	if err := m.storage.Write(StorageKey, payload); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}

	m.mu.Lock()
	m.storageSize = int64(len(payload))
	m.mu.Unlock()
	return nil
}

// Load replaces the in-memory state with the persisted snapshot, if any
func (m *Manager) Load() error {
	if m.storage == nil {
		return nil
	}

	payload, found, err := m.storage.Read(StorageKey)
	if err != nil {
		return fmt.Errorf("failed to read cache snapshot: %w", err)
	}
	if !found || payload == "" {
		return nil
	}

	snap, err := decodeSnapshot(payload)
	if err != nil {
		return err
	}

	byKey := make(map[string]Entry, len(snap.Entries))
	for _, ke := range snap.Entries {
		if ke.Entry.Position.Validate() != nil {
			continue
		}
		byKey[ke.Key] = ke.Entry
	}

	// keys missing from the access order are treated as least recently used
	inOrder := make(map[string]bool, len(snap.AccessOrder))
	for _, k := range snap.AccessOrder {
		inOrder[k] = true
	}
	ordered := make([]string, 0, len(byKey))
	seen := make(map[string]bool, len(byKey))
	for _, ke := range snap.Entries {
		if _, ok := byKey[ke.Key]; ok && !inOrder[ke.Key] && !seen[ke.Key] {
			ordered = append(ordered, ke.Key)
			seen[ke.Key] = true
		}
	}
	for _, k := range snap.AccessOrder {
		if _, ok := byKey[k]; ok && !seen[k] {
			ordered = append(ordered, k)
			seen[k] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element, len(ordered))
	m.order.Init()
	for _, k := range ordered {
		m.items[k] = m.order.PushFront(&element{key: k, entry: byKey[k]})
	}
	for m.order.Len() > m.cfg.MaxSize {
		m.removeElement(m.order.Back())
	}
	m.hits = snap.Stats.HitCount
	m.misses = snap.Stats.MissCount
	m.storageSize = int64(len(payload))

	m.logger.Info("restored location cache", "entries", len(m.items), "saved_at", snap.Timestamp)
	return nil
}

// Close stops the background writer, flushes state and closes the storage
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.persistCh != nil {
		close(m.persistCh)
	}
	m.mu.Unlock()

	m.wg.Wait()

	var err error
	if m.storage != nil {
		if m.Config().EnablePersistence {
			err = m.Persist()
		}
		if cerr := m.storage.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func cloneEntry(e Entry) Entry {
	e.Position = e.Position.Clone()
	if e.Accuracy != nil {
		e.Accuracy = pkg.Meters(*e.Accuracy)
	}
	return e
}
