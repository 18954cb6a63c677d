// Package state maintains the live view of each monitored printer,
// seeded from a full hub snapshot and updated one change event at a time.
package state

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/printwatch/printwatch/internal/protocol"
	"github.com/rs/zerolog"
)

// Entity domain prepended to every sensor id by the hub.
const entityDomain = "sensor."

// Recognized entity-id suffixes. Each device exposes its sensors as
// {domain}{devicePrefix}{suffix}.
const (
	SuffixProgress     = "print_progress"
	SuffixStatus       = "print_status"
	SuffixCurrentLayer = "current_layer"
	SuffixTotalLayers  = "total_layer_count"
	SuffixRemaining    = "remaining_time"
	SuffixNozzleTemp   = "nozzle_temperature"
	SuffixBedTemp      = "bed_temperature"
	SuffixSubtaskName  = "subtask_name"
	SuffixSpeedProfile = "speed_profile"
)

// Sensor values the hub uses when a reading is not available. The cache
// keeps the previous value instead of storing these.
func unavailable(raw string) bool {
	return raw == "" || raw == "unknown" || raw == "unavailable"
}

// Entry is the last known state of one printer.
type Entry struct {
	DevicePrefix     string    `json:"device_prefix"`
	Progress         int       `json:"progress"`
	CurrentLayer     int       `json:"current_layer"`
	TotalLayers      int       `json:"total_layers"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Status           Status    `json:"status"`
	NozzleTemp       int       `json:"nozzle_temp"`
	BedTemp          int       `json:"bed_temp"`
	SubtaskName      string    `json:"subtask_name,omitempty"`
	SpeedProfile     string    `json:"speed_profile,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
	IsOnline         bool      `json:"is_online"`
}

// StatusChange reports that a device's status field changed. Only these
// changes drive notification classification; numeric churn does not.
type StatusChange struct {
	Prefix string
	Old    Status
	New    Status
}

// Update describes the effect of one applied change event.
type Update struct {
	Prefix       string
	Suffix       string
	StatusChange *StatusChange
}

// Cache holds one Entry per monitored device prefix. All mutation goes
// through Initialize and ApplyEvent; reads are copy-out snapshots.
type Cache struct {
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// New creates an empty cache.
func New(log zerolog.Logger) *Cache {
	return &Cache{
		log:     log.With().Str("component", "state").Logger(),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Initialize seeds the cache from a full snapshot. A prefix whose
// progress sensor is absent from the snapshot is not a valid device and
// is skipped. A prefix already cached (a reconnect re-seed) is merged:
// snapshot readings go through the same keep-previous rule as events,
// so an unavailable reading never wipes a last known value. Returns the
// accepted prefixes and any status changes the snapshot revealed on
// previously seeded devices.
func (c *Cache) Initialize(prefixes []string, snapshot []protocol.EntityState) ([]string, []StatusChange) {
	byID := make(map[string]string, len(snapshot))
	for _, st := range snapshot {
		byID[st.EntityID] = st.State
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := make([]string, 0, len(prefixes))
	var changes []StatusChange
	for _, prefix := range prefixes {
		if _, ok := byID[entityDomain+prefix+SuffixProgress]; !ok {
			c.log.Warn().Str("prefix", prefix).Msg("no progress sensor in snapshot, skipping prefix")
			continue
		}

		entry, seeded := c.entries[prefix]
		if !seeded {
			entry = &Entry{
				DevicePrefix: prefix,
				Status:       StatusUnknown,
			}
		}
		oldStatus := entry.Status
		entry.LastUpdated = c.now()
		entry.IsOnline = true
		for _, suffix := range []string{
			SuffixProgress, SuffixStatus, SuffixCurrentLayer, SuffixTotalLayers,
			SuffixRemaining, SuffixNozzleTemp, SuffixBedTemp, SuffixSubtaskName,
			SuffixSpeedProfile,
		} {
			if raw, ok := byID[entityDomain+prefix+suffix]; ok {
				applyField(entry, suffix, raw)
			}
		}

		c.entries[prefix] = entry
		accepted = append(accepted, prefix)
		if seeded && entry.Status != oldStatus {
			changes = append(changes, StatusChange{Prefix: prefix, Old: oldStatus, New: entry.Status})
		}
	}

	return accepted, changes
}

// ApplyEvent applies one inbound change event. Events for unmonitored
// prefixes are dropped (ok=false). Unrecognized readings fall back to
// the previous cached value; the entry's LastUpdated always advances.
func (c *Cache) ApplyEvent(entityID, newValue string) (Update, bool) {
	name := strings.TrimPrefix(entityID, entityDomain)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Longest matching prefix wins, so "voron_" never captures an
	// entity belonging to "voron_trident_".
	var (
		prefix string
		entry  *Entry
	)
	for p, e := range c.entries {
		if strings.HasPrefix(name, p) && len(p) > len(prefix) {
			prefix, entry = p, e
		}
	}
	if entry == nil {
		return Update{}, false
	}

	suffix := strings.TrimPrefix(name, prefix)
	entry.LastUpdated = c.now()

	upd := Update{Prefix: prefix, Suffix: suffix}
	if suffix == SuffixStatus {
		old := entry.Status
		applyField(entry, suffix, newValue)
		if entry.Status != old {
			upd.StatusChange = &StatusChange{Prefix: prefix, Old: old, New: entry.Status}
		}
	} else {
		applyField(entry, suffix, newValue)
	}

	return upd, true
}

// applyField updates one field of an entry, keeping the previous value
// when the reading is unavailable or unparsable. Caller holds the lock.
func applyField(entry *Entry, suffix, raw string) {
	switch suffix {
	case SuffixProgress:
		if v, ok := parseInt(raw); ok {
			if v < 0 {
				v = 0
			}
			if v > 100 {
				v = 100
			}
			entry.Progress = v
		}
	case SuffixStatus:
		if !unavailable(raw) {
			entry.Status = ParseStatus(raw)
		}
	case SuffixCurrentLayer:
		if v, ok := parseInt(raw); ok && v >= 0 {
			entry.CurrentLayer = v
		}
	case SuffixTotalLayers:
		if v, ok := parseInt(raw); ok && v >= 0 {
			entry.TotalLayers = v
		}
	case SuffixRemaining:
		if v, ok := parseInt(raw); ok && v >= 0 {
			entry.RemainingSeconds = v
		}
	case SuffixNozzleTemp:
		if v, ok := parseInt(raw); ok {
			entry.NozzleTemp = v
		}
	case SuffixBedTemp:
		if v, ok := parseInt(raw); ok {
			entry.BedTemp = v
		}
	case SuffixSubtaskName:
		if !unavailable(raw) {
			entry.SubtaskName = raw
		}
	case SuffixSpeedProfile:
		if !unavailable(raw) {
			entry.SpeedProfile = raw
		}
	}
}

// parseInt parses a sensor reading that may be reported as an integer
// or a float string ("42" or "42.0").
func parseInt(raw string) (int, bool) {
	if unavailable(raw) {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

// Get returns a snapshot of one device's entry.
func (c *Cache) Get(prefix string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[prefix]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// All returns snapshots of every entry, ordered by prefix.
func (c *Cache) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DevicePrefix < out[j].DevicePrefix })
	return out
}

// Prefixes returns the monitored device prefixes.
func (c *Cache) Prefixes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.entries))
	for prefix := range c.entries {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

// SetAllOnline marks every device's connectivity. Data fields keep
// their last known values.
func (c *Cache) SetAllOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		entry.IsOnline = online
	}
}
