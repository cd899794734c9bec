// Package snapshot backs up and restores blueprint documents together with
// the network reservation layout.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
)

// FormatVersion is the snapshot format written by this package.
const FormatVersion = 1

const (
	namePrefix = "snapshot-"
	nameSuffix = ".json"
	timeLayout = "20060102T150405.000Z"
)

// ErrNotFound is returned by backends for missing snapshots.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a point-in-time copy of the control plane state.
type Snapshot struct {
	Version   int                `json:"version"`
	Taken     time.Time          `json:"taken"`
	Documents []*engine.Document `json:"documents"`
	Layout    *netres.Layout     `json:"layout,omitempty"`
}

// Backend stores snapshot blobs by name.
type Backend interface {
	Type() string
	Write(ctx context.Context, name string, data io.Reader) error
	Read(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context) ([]string, error)
}

// Source is what a snapshot is taken from and restored into.
type Source interface {
	engine.Persistence
	netres.LayoutStore
}

// Manager takes and restores snapshots through a backend.
type Manager struct {
	backend Backend
	logger  *telemetry.Logger
}

// NewManager creates a snapshot manager.
func NewManager(backend Backend, logger *telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Manager{backend: backend, logger: logger.NewComponentLogger("snapshot")}
}

// Take reads every document and the layout from src.
func Take(ctx context.Context, src Source) (*Snapshot, error) {
	docs, err := src.List(ctx, engine.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	layout, err := src.LoadLayout(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load network layout: %w", err)
	}

	return &Snapshot{
		Version:   FormatVersion,
		Taken:     time.Now().UTC(),
		Documents: docs,
		Layout:    layout,
	}, nil
}

// Apply writes the snapshot into dst. Documents already in dst with the same
// ID are replaced; others are left alone.
func Apply(ctx context.Context, snap *Snapshot, dst Source) error {
	if snap.Version != FormatVersion {
		return engine.NewPermanentError(fmt.Sprintf("unsupported snapshot version %d", snap.Version), nil).
			WithCode(engine.ErrCodeValidation)
	}
	for _, doc := range snap.Documents {
		if err := dst.Save(ctx, doc); err != nil {
			return fmt.Errorf("failed to restore document %s: %w", doc.ID, err)
		}
	}
	if snap.Layout != nil {
		if err := dst.SaveLayout(ctx, snap.Layout); err != nil {
			return fmt.Errorf("failed to restore network layout: %w", err)
		}
	}
	return nil
}

// Backup takes a snapshot of src and stores it. It returns the snapshot name.
func (m *Manager) Backup(ctx context.Context, src Source) (string, error) {
	snap, err := Take(ctx, src)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	name := Name(snap.Taken)
	if err := m.backend.Write(ctx, name, bytes.NewReader(data)); err != nil {
		return "", err
	}

	m.logger.WithFields(map[string]interface{}{
		"name":      name,
		"backend":   m.backend.Type(),
		"documents": len(snap.Documents),
	}).Info("Snapshot written")
	return name, nil
}

// Fetch reads a snapshot by name. An empty name selects the latest one.
func (m *Manager) Fetch(ctx context.Context, name string) (*Snapshot, error) {
	if name == "" {
		latest, err := m.Latest(ctx)
		if err != nil {
			return nil, err
		}
		name = latest
	}

	rc, err := m.backend.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	return &snap, nil
}

// Restore fetches a snapshot and applies it to dst. It returns the snapshot
// that was applied.
func (m *Manager) Restore(ctx context.Context, name string, dst Source) (*Snapshot, error) {
	snap, err := m.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := Apply(ctx, snap, dst); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"taken":     snap.Taken,
		"documents": len(snap.Documents),
	}).Info("Snapshot restored")
	return snap, nil
}

// List returns the stored snapshot names, oldest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	names, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	out := names[:0]
	for _, n := range names {
		if isSnapshotName(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the name of the newest snapshot.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	names, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}

// Name returns the snapshot name for a point in time. Names sort chronologically.
func Name(t time.Time) string {
	return namePrefix + t.UTC().Format(timeLayout) + nameSuffix
}

func isSnapshotName(name string) bool {
	return strings.HasPrefix(name, namePrefix) && strings.HasSuffix(name, nameSuffix)
}
