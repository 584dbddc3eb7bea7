package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/models"
)

// Export document identity.
const (
	ExportFormat  = "tally-export"
	ExportVersion = 1
)

// Export encodings accepted by WriteExport.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Snapshot is the whole-dataset export document. Records are kept as
// decoded values so that import can report non-object records.
type Snapshot struct {
	Format      string           `json:"format" yaml:"format"`
	Version     int              `json:"version" yaml:"version"`
	ExportedAt  time.Time        `json:"exportedAt" yaml:"exportedAt"`
	DeviceID    string           `json:"deviceId" yaml:"deviceId"`
	Collections map[string][]any `json:"collections" yaml:"collections"`
}

// ImportOptions controls ImportAll.
type ImportOptions struct {
	// Replicate queues a create for every imported record of a synced
	// collection, pushing the imported dataset to the remote store.
	Replicate bool
}

// ImportResult summarises an import.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []error
}

// MalformedRecordError describes an export record that could not be imported.
type MalformedRecordError struct {
	Collection string
	Index      int
	ID         string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s[%d] (%s): %v", e.Collection, e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("%s[%d]: %v", e.Collection, e.Index, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

var (
	errNotObject         = errors.New("record is not an object")
	errUnsupportedExport = errors.New("unsupported export document")
)

// ExportAll reads every registered collection, local-only ones included.
func (e *Engine) ExportAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Format:      ExportFormat,
		Version:     ExportVersion,
		ExportedAt:  e.cfg.Now().UTC(),
		DeviceID:    e.cfg.DeviceID,
		Collections: make(map[string][]any),
	}
	for _, c := range models.Collections() {
		all, err := e.store.GetAll(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", c, err)
		}
		records := make([]any, 0, len(all))
		for _, r := range all {
			records = append(records, map[string]any(r))
		}
		snap.Collections[c] = records
	}
	return snap, nil
}

// WriteExport writes the export document as JSON or YAML.
func (e *Engine) WriteExport(ctx context.Context, w io.Writer, format string) error {
	snap, err := e.ExportAll(ctx)
	if err != nil {
		return err
	}
	return EncodeSnapshot(w, snap, format)
}

// EncodeSnapshot writes snap in the given format.
func EncodeSnapshot(w io.Writer, snap *Snapshot, format string) error {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown export format %q", format)
}

// ReadSnapshot decodes an export document in either encoding. JSON is tried
// first; YAML is a superset and catches the rest.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if jerr := json.Unmarshal(data, &snap); jerr != nil {
		snap = Snapshot{}
		if yerr := yaml.Unmarshal(data, &snap); yerr != nil {
			return nil, fmt.Errorf("decode export: %w", yerr)
		}
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Snapshot) validate() error {
	if s.Format != ExportFormat || s.Version != ExportVersion {
		return fmt.Errorf("%w: format %q version %d", errUnsupportedExport, s.Format, s.Version)
	}
	return nil
}

// ImportAll replaces the local dataset with snap in one store transaction.
// Malformed records are logged, collected and skipped; any other store
// failure rolls the import back and leaves the previous dataset in place.
// A live engine stops its subscriptions for the duration.
func (e *Engine) ImportAll(ctx context.Context, snap *Snapshot, opts ImportOptions) (ImportResult, error) {
	if snap == nil {
		return ImportResult{}, errUnsupportedExport
	}
	if err := snap.validate(); err != nil {
		return ImportResult{}, err
	}

	restart := e.rec != nil && e.rec.Running()
	if restart {
		if err := e.rec.Stop(); err != nil {
			return ImportResult{}, err
		}
		defer func() {
			if err := e.rec.Start(context.Background()); err != nil {
				e.log.Error("restart reconciler after import", "err", err)
			}
		}()
	}

	names := make([]string, 0, len(snap.Collections))
	for name := range snap.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	var res ImportResult
	var touched map[string][]string
	err := e.store.ReplaceAll(ctx, func(b *db.Batch) error {
		res = ImportResult{}
		touched = make(map[string][]string)
		for _, name := range names {
			schema, known := models.Lookup(name)
			for i, raw := range snap.Collections[name] {
				rec, err := toEntity(raw)
				if err == nil && !known {
					err = db.ErrUnknownCollection
				}
				if err == nil {
					err = b.Put(name, rec)
				}
				if err != nil {
					if !isMalformed(err) {
						return err
					}
					merr := &MalformedRecordError{Collection: name, Index: i, ID: rec.ID(), Err: err}
					e.log.Warn("skipping import record", "err", merr)
					res.Errors = append(res.Errors, merr)
					res.Skipped++
					continue
				}
				res.Imported++
				touched[name] = append(touched[name], rec.ID())

				if opts.Replicate && !schema.LocalOnly {
					if _, err := b.Enqueue(models.Mutation{
						ID:         e.cfg.NewID(),
						Op:         models.OpCreate,
						Collection: name,
						EntityID:   rec.ID(),
						Payload:    rec,
						DeviceID:   e.cfg.DeviceID,
					}); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	e.log.Info("import complete", "imported", res.Imported, "skipped", res.Skipped, "replicate", opts.Replicate)
	for _, c := range models.Collections() {
		e.listeners.notify(models.ChangeEvent{Collection: c, IDs: touched[c], Source: models.SourceImport})
	}
	if opts.Replicate && e.rec != nil {
		e.rec.Trigger()
	}
	return res, nil
}

// isMalformed reports whether a record was rejected for its content rather
// than for a store failure.
func isMalformed(err error) bool {
	var se *db.StoreError
	if errors.As(err, &se) {
		return false
	}
	return errors.Is(err, errNotObject) ||
		errors.Is(err, db.ErrUnknownCollection) ||
		errors.Is(err, db.ErrMissingID) ||
		errors.Is(err, db.ErrDuplicateKey) ||
		errors.Is(err, db.ErrUnencodable)
}

func toEntity(v any) (models.Entity, error) {
	switch m := v.(type) {
	case map[string]any:
		return models.Entity(m).Clone(), nil
	case models.Entity:
		return m.Clone(), nil
	}
	return nil, errNotObject
}
