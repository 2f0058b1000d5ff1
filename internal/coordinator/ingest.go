package coordinator

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

// ErrInvalidArtifact marks a zero-length or undecodable upload. No event is
// produced and nothing is stored.
var ErrInvalidArtifact = errors.New("invalid artifact")

// ArtifactStore persists uploaded bytes and returns a retrievable reference.
// Storage layout and retention are collaborator concerns, not core ones.
type ArtifactStore interface {
	Save(deviceID, filename string, capturedAt time.Time, data []byte) (string, error)
}

// DiskStore writes artifacts under uploadsDir/<deviceID>/<unixms>-<filename>
// and returns URLs beneath baseURL, mirroring how they are served back out.
type DiskStore struct {
	uploadsDir string
	baseURL    string
}

func NewDiskStore(uploadsDir, baseURL string) *DiskStore {
	return &DiskStore{
		uploadsDir: uploadsDir,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *DiskStore) Save(deviceID, filename string, capturedAt time.Time, data []byte) (string, error) {
	dir := filepath.Join(s.uploadsDir, sanitizePathComponent(deviceID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create device upload dir: %w", err)
	}

	stored := fmt.Sprintf("%d-%s", capturedAt.UnixMilli(), sanitizePathComponent(filename))
	if err := os.WriteFile(filepath.Join(dir, stored), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	return fmt.Sprintf("%s/uploads/%s/%s", s.baseURL, sanitizePathComponent(deviceID), stored), nil
}

// sanitizePathComponent keeps client-supplied identifiers from escaping the
// uploads tree.
func sanitizePathComponent(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "unknown"
	}
	return name
}

// Ingestor accepts uploaded artifacts, stores them, indexes them, and fans
// the resulting event out to observers and the notification collaborator.
type Ingestor struct {
	store       ArtifactStore
	db          *sql.DB
	broadcaster *Broadcaster
	notifier    Notifier
	logger      *zap.Logger
	metrics     *Metrics
}

func NewIngestor(store ArtifactStore, db *sql.DB, broadcaster *Broadcaster, notifier Notifier, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Ingestor{
		store:       store,
		db:          db,
		broadcaster: broadcaster,
		notifier:    notifier,
		logger:      logger,
		metrics:     GetMetrics(),
	}
}

// Ingest validates and persists one uploaded artifact and emits exactly one
// event to every current observer. The device identity is trusted as
// supplied: an offline or never-registered device may still upload. The
// webhook notification is fire-and-forget; its failure never fails the
// ingestion.
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, payload []byte, filename string) (shared.NewImagePayload, error) {
	start := time.Now()

	if deviceID == "" {
		i.metrics.RecordArtifact("invalid")
		return shared.NewImagePayload{}, fmt.Errorf("%w: missing device id", ErrInvalidArtifact)
	}
	if len(payload) == 0 {
		i.metrics.RecordArtifact("invalid")
		return shared.NewImagePayload{}, fmt.Errorf("%w: empty payload", ErrInvalidArtifact)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(payload)); err != nil {
		i.metrics.RecordArtifact("invalid")
		return shared.NewImagePayload{}, fmt.Errorf("%w: undecodable image: %v", ErrInvalidArtifact, err)
	}

	capturedAt := time.Now().UTC()
	if filename == "" {
		filename = "capture.jpg"
	}

	url, err := i.store.Save(deviceID, filename, capturedAt, payload)
	if err != nil {
		i.metrics.RecordArtifact("store_error")
		return shared.NewImagePayload{}, fmt.Errorf("ingest artifact from %s: %w", deviceID, err)
	}

	ev := shared.NewImagePayload{
		DeviceID:  deviceID,
		URL:       url,
		Filename:  filename,
		Timestamp: capturedAt,
	}

	if err := i.indexArtifact(ev, len(payload)); err != nil {
		// The bytes are stored and the event is still delivered; only the
		// queryable index is behind.
		i.logger.Warn("index artifact failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	i.broadcaster.PublishArtifact(ev)
	i.metrics.RecordArtifact("ingested")
	i.metrics.ObserveIngestDuration(time.Since(start).Seconds())
	i.logger.Info("artifact ingested",
		zap.String("device_id", deviceID),
		zap.String("filename", filename),
		zap.String("url", url),
	)

	go i.notify(deviceID, ev)

	return ev, nil
}

// RecentArtifacts returns the newest indexed artifacts, most recent first.
func (i *Ingestor) RecentArtifacts(limit int) ([]shared.NewImagePayload, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := i.db.Query(`
		SELECT device_id, url, filename, captured_at
		FROM artifacts
		ORDER BY captured_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]shared.NewImagePayload, 0, limit)
	for rows.Next() {
		var (
			ev shared.NewImagePayload
			ts string
		)
		if err := rows.Scan(&ev.DeviceID, &ev.URL, &ev.Filename, &ts); err != nil {
			i.logger.Warn("scan artifact row failed", zap.Error(err))
			continue
		}
		if parsed, err := parseStoredTimestamp(ts); err == nil {
			ev.Timestamp = parsed
		}
		out = append(out, ev)
	}

	return out, rows.Err()
}

func (i *Ingestor) indexArtifact(ev shared.NewImagePayload, size int) error {
	_, err := i.db.Exec(`
		INSERT INTO artifacts (id, device_id, url, filename, size_bytes, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(),
		ev.DeviceID,
		ev.URL,
		ev.Filename,
		size,
		ev.Timestamp.Format(time.RFC3339Nano),
	)
	return err
}

func (i *Ingestor) notify(deviceID string, ev shared.NewImagePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	message := fmt.Sprintf("📸 **New Snap Received**\n**Device:** %s\n**Time:** %s\n[View Image](%s)",
		deviceID, ev.Timestamp.Format(time.RFC1123), ev.URL)

	if err := i.notifier.Notify(ctx, message); err != nil {
		i.metrics.RecordNotification("failed")
		i.logger.Warn("ingest notification failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	i.metrics.RecordNotification("sent")
}
