package coordinator

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Device is the registry record for one agent identity. Records are created
// on first register and mutated on every register/disconnect; the core never
// deletes them (eviction is an explicit retention policy, see
// Registry.EvictOffline).
type Device struct {
	ID          string            `json:"id"`
	Status      DeviceStatus      `json:"status"`
	OS          string            `json:"os,omitempty"`
	Version     string            `json:"version,omitempty"`
	Outdated    bool              `json:"outdated,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	ConnectedAt time.Time         `json:"connected_at,omitempty"`
}

// Registration carries the fields an agent supplies when it registers.
type Registration struct {
	OS       string
	Version  string
	Metadata map[string]string
}

var ErrDeviceNotFound = errors.New("device not found")

// Registry holds the current known state of every device, mirrored to
// sqlite so history survives a coordinator restart. All mutations are atomic
// per device and fire the registry-change hook after the map is updated.
type Registry struct {
	db         *sql.DB
	logger     *zap.Logger
	minVersion *semver.Version

	mu      sync.RWMutex
	devices map[string]Device

	onChange func(snapshot map[string]Device)
}

func NewRegistry(db *sql.DB, minVersion *semver.Version, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		db:         db,
		logger:     logger,
		minVersion: minVersion,
		devices:    make(map[string]Device),
	}
}

// OnChange installs the registry-change hook. The hook receives a full
// snapshot and must not block; the broadcaster's enqueue is non-blocking so
// slow observers can never stall a registration.
func (r *Registry) OnChange(fn func(snapshot map[string]Device)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register creates the record if absent, otherwise merges the registration
// into the existing record: later values overwrite overlapping fields,
// unmentioned metadata keys are retained. The device always comes out
// online with a refreshed LastSeen.
func (r *Registry) Register(deviceID string, reg Registration) (Device, error) {
	if deviceID == "" {
		return Device{}, fmt.Errorf("register device: missing id")
	}

	now := time.Now().UTC()

	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		dev = Device{ID: deviceID, ConnectedAt: now}
	}
	if reg.OS != "" {
		dev.OS = reg.OS
	}
	if reg.Version != "" {
		dev.Version = reg.Version
	}
	if len(reg.Metadata) > 0 {
		if dev.Metadata == nil {
			dev.Metadata = make(map[string]string, len(reg.Metadata))
		}
		for k, v := range reg.Metadata {
			dev.Metadata[k] = v
		}
	}
	dev.Status = DeviceStatusOnline
	dev.LastSeen = now
	dev.Outdated = r.isOutdated(dev.Version)
	r.devices[deviceID] = dev
	r.mu.Unlock()

	// The in-memory record is already online; observers hear about it even
	// when the persistence mirror lags behind.
	r.notifyChange()

	if err := r.upsertDevice(dev); err != nil {
		return dev, fmt.Errorf("register device %s: %w", deviceID, err)
	}
	return dev, nil
}

// MarkOffline transitions a device to offline and refreshes LastSeen. An
// unknown device is a steady-state no-op, not an error.
func (r *Registry) MarkOffline(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	dev.Status = DeviceStatusOffline
	dev.LastSeen = time.Now().UTC()
	r.devices[deviceID] = dev
	r.mu.Unlock()

	if err := r.upsertDevice(dev); err != nil {
		r.logger.Warn("persist offline transition failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	r.notifyChange()
}

// GetDevice returns a single record.
func (r *Registry) GetDevice(deviceID string) (Device, error) {
	r.mu.RLock()
	dev, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return copyDevice(dev), nil
}

// Snapshot returns a full copy of the registry. Both the initial observer
// view and every clients_update broadcast are built from it.
func (r *Registry) Snapshot() map[string]Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Device, len(r.devices))
	for id, dev := range r.devices {
		out[id] = copyDevice(dev)
	}
	return out
}

// LoadFromDB warm-starts the registry. Every persisted device comes back
// offline; live status is rebuilt as agents reconnect.
func (r *Registry) LoadFromDB() error {
	if _, err := r.db.Exec(`UPDATE devices SET status = ?`, string(DeviceStatusOffline)); err != nil {
		return fmt.Errorf("load devices: mark offline: %w", err)
	}

	rows, err := r.db.Query(`
		SELECT id, status, os, version, outdated, metadata, last_seen, connected_at
		FROM devices
	`)
	if err != nil {
		return fmt.Errorf("load devices: query rows: %w", err)
	}
	defer rows.Close()

	devices := make(map[string]Device)
	for rows.Next() {
		dev, rowErr := scanDeviceRow(rows)
		if rowErr != nil {
			r.logger.Warn("load devices: corrupted row", zap.Error(rowErr))
			continue
		}
		dev.Status = DeviceStatusOffline
		devices[dev.ID] = dev
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("load devices: iterate rows: %w", err)
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()

	return nil
}

// EvictOffline removes devices that have been offline longer than maxAge.
// Retention is opt-in: the caller only invokes this when the retention knob
// is set, so the default behavior keeps device history forever.
func (r *Registry) EvictOffline(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	var evicted []string
	for id, dev := range r.devices {
		if dev.Status == DeviceStatusOffline && dev.LastSeen.Before(cutoff) {
			delete(r.devices, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		if _, err := r.db.Exec(`DELETE FROM devices WHERE id = ?`, id); err != nil {
			r.logger.Warn("evict device row failed", zap.String("device_id", id), zap.Error(err))
		}
	}

	if len(evicted) > 0 {
		r.logger.Info("evicted offline devices", zap.Int("count", len(evicted)))
		r.notifyChange()
	}

	return len(evicted)
}

// OnlineCount reports how many devices are currently online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, dev := range r.devices {
		if dev.Status == DeviceStatusOnline {
			n++
		}
	}
	return n
}

func (r *Registry) isOutdated(version string) bool {
	if r.minVersion == nil || version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		// Unparseable versions fail the gate rather than slipping past it.
		return true
	}
	return v.LessThan(r.minVersion)
}

func (r *Registry) notifyChange() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()

	if fn != nil {
		fn(r.Snapshot())
	}
}

func (r *Registry) upsertDevice(dev Device) error {
	metadata, err := json.Marshal(dev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO devices (id, status, os, version, outdated, metadata, last_seen, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			os = excluded.os,
			version = excluded.version,
			outdated = excluded.outdated,
			metadata = excluded.metadata,
			last_seen = excluded.last_seen,
			connected_at = excluded.connected_at
	`,
		dev.ID,
		string(dev.Status),
		dev.OS,
		dev.Version,
		boolToInt(dev.Outdated),
		string(metadata),
		dev.LastSeen.UTC().Format(time.RFC3339Nano),
		dev.ConnectedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", dev.ID, err)
	}

	return nil
}

func scanDeviceRow(rows *sql.Rows) (Device, error) {
	var (
		id, statusRaw, osName, version string
		outdated                       int
		metadataRaw                    string
		lastSeen, connectedAt          sql.NullString
	)

	if err := rows.Scan(&id, &statusRaw, &osName, &version, &outdated, &metadataRaw, &lastSeen, &connectedAt); err != nil {
		return Device{}, fmt.Errorf("scan device row: %w", err)
	}

	dev := Device{
		ID:       id,
		Status:   DeviceStatus(statusRaw),
		OS:       osName,
		Version:  version,
		Outdated: outdated != 0,
	}

	if metadataRaw != "" && metadataRaw != "null" {
		if err := json.Unmarshal([]byte(metadataRaw), &dev.Metadata); err != nil {
			return Device{}, fmt.Errorf("parse metadata for device %s: %w", id, err)
		}
	}

	if lastSeen.Valid {
		parsed, err := parseStoredTimestamp(lastSeen.String)
		if err != nil {
			return Device{}, fmt.Errorf("parse last_seen for device %s: %w", id, err)
		}
		dev.LastSeen = parsed
	}

	if connectedAt.Valid {
		parsed, err := parseStoredTimestamp(connectedAt.String)
		if err != nil {
			return Device{}, fmt.Errorf("parse connected_at for device %s: %w", id, err)
		}
		dev.ConnectedAt = parsed
	}

	return dev, nil
}

func parseStoredTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func copyDevice(dev Device) Device {
	if dev.Metadata != nil {
		meta := make(map[string]string, len(dev.Metadata))
		for k, v := range dev.Metadata {
			meta[k] = v
		}
		dev.Metadata = meta
	}
	return dev
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
