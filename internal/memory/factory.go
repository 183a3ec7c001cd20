package memory

import (
	"errors"
	"fmt"
	"path/filepath"

	"marduk/internal/logging"
	"marduk/internal/persist"
)

var errNoPersistence = errors.New("persistence not configured")

// FactoryOptions configures the set of subsystems.
type FactoryOptions struct {
	// DataDir is the memory root; each subsystem lives in its own
	// subdirectory, backups under _backups/<subsystem>/.
	DataDir string
	// Capacity bounds each subsystem's item count.
	Capacity int
	// MaxBatchSize switches persistence to batched files. Zero means default.
	MaxBatchSize int
	// InMemory disables file persistence entirely (tests, one-shot commands).
	InMemory bool
	Logger   logging.Logger
}

// Factory owns the four memory subsystems and is the only sanctioned way to
// reach a subsystem from outside this package.
type Factory struct {
	stores map[string]*Store
	logger logging.Logger
}

// NewFactory builds the factual, event, concept, and workflow subsystems.
func NewFactory(opts FactoryOptions) (*Factory, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	logger := logging.OrNop(opts.Logger)

	behaviors := []behavior{
		factualBehavior{},
		eventBehavior{},
		conceptBehavior{},
		workflowBehavior{},
	}

	f := &Factory{stores: make(map[string]*Store, len(behaviors)), logger: logger}
	for _, b := range behaviors {
		var files *persist.FileStore
		if !opts.InMemory {
			files = persist.NewFileStore(persist.Options{
				Dir:          filepath.Join(opts.DataDir, b.Name()),
				BackupDir:    filepath.Join(opts.DataDir, "_backups", b.Name()),
				MaxBatchSize: opts.MaxBatchSize,
				Logger:       logger,
			})
		}
		store, err := NewStore(b, opts.Capacity, files, logger)
		if err != nil {
			return nil, fmt.Errorf("create %s subsystem: %w", b.Name(), err)
		}
		f.stores[b.Name()] = store
	}
	return f, nil
}

// Subsystem returns the named subsystem store.
func (f *Factory) Subsystem(name string) (*Store, error) {
	store, ok := f.stores[name]
	if !ok {
		return nil, fmt.Errorf("unknown memory subsystem %q", name)
	}
	return store, nil
}

// Names returns the subsystem names in dependency-neutral, stable order.
func (f *Factory) Names() []string {
	return []string{SubsystemFactual, SubsystemEvent, SubsystemConcept, SubsystemWorkflow}
}

// SnapshotAll snapshots every subsystem, returning name -> timestamp.
// Snapshots are best-effort: individual failures are logged and skipped.
func (f *Factory) SnapshotAll() map[string]string {
	stamps := make(map[string]string, len(f.stores))
	for _, name := range f.Names() {
		ts, err := f.stores[name].CreateSnapshot()
		if err != nil {
			f.logger.Warn("snapshot of %s failed: %v", name, err)
			continue
		}
		stamps[name] = ts
	}
	return stamps
}

// Shutdown flushes all subsystems to disk.
func (f *Factory) Shutdown() error {
	var firstErr error
	for _, name := range f.Names() {
		if err := f.stores[name].Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
