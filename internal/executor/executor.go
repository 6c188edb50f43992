// Package executor implements the installation engine: a single-worker
// task scheduler driving the linear install/uninstall state machine,
// admission control, the advisory lock registry, and the post-operation
// reconciliation pass.
package executor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"dacinstalld/internal/authstrategy"
	"dacinstalld/internal/catalog"
	"dacinstalld/internal/config"
	"dacinstalld/internal/events"
	"dacinstalld/internal/layout"
	"dacinstalld/internal/lockregistry"
)

// Executor is the orchestration core. One Executor owns exactly one
// background worker slot; every mutating API call takes mu, and the worker
// re-acquires mu only to publish progress or transition state, never while
// performing blocking I/O.
type Executor struct {
	mu sync.Mutex

	cfg   config.Config
	roots layout.Roots

	cat   *catalog.Catalog
	locks *lockregistry.Registry
	bus   *events.Bus

	authResolver authstrategy.Resolver

	current *Task
}

// Option customizes an Executor at construction time.
type Option func(*Executor)

// WithAuthResolver overrides the default NONE-only authentication strategy
// resolver, primarily for tests.
func WithAuthResolver(r authstrategy.Resolver) Option {
	return func(e *Executor) { e.authResolver = r }
}

// New constructs an Executor with an empty lock registry and event bus. The
// executor is not usable until Configure succeeds.
func New(opts ...Option) *Executor {
	e := &Executor{
		locks:        lockregistry.New(),
		bus:          events.NewBus(),
		authResolver: authstrategy.NoneResolver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the bus operationStatus notifications are published on.
func (e *Executor) Events() *events.Bus { return e.bus }

// allocateHandle returns a uniformly random 64-bit value rendered as a
// decimal string. crypto/rand replaces the source implementation's weaker
// rand()-based allocator called out as a design defect.
func allocateHandle() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing indicates a broken host entropy source; there is
		// no safe fallback for an unguessable handle.
		panic(fmt.Sprintf("executor: reading random handle bytes: %v", err))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return strconv.FormatUint(v, 10)
}

// Configure (re)initializes the executor's roots and catalog connection from
// a JSON payload, sweeps stale epoch directories, and runs reconciliation.
func (e *Executor) Configure(raw []byte) Code {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return CodeTooManyRequests
	}
	e.mu.Unlock()

	cfg, err := config.Parse(raw)
	if err != nil {
		log.Printf("ERROR: executor: parsing configuration: %v", err)
		return CodeWrongParams
	}

	roots, err := layout.Normalize(cfg.AppsPath, cfg.DataPath, cfg.DBPath)
	if err != nil {
		log.Printf("ERROR: executor: normalizing configured roots: %v", err)
		return CodeWrongParams
	}

	if err := layout.EnsureRoots(roots); err != nil {
		log.Printf("ERROR: executor: ensuring roots: %v", err)
		return CodeGeneral
	}
	for _, sweepErr := range layout.SweepStaleEpochs(roots) {
		log.Printf("WARN: executor: sweeping stale epoch: %v", sweepErr)
	}

	cat, err := catalog.Open(roots.DBPath())
	if err != nil {
		log.Printf("ERROR: executor: opening catalog: %v", err)
		return CodeGeneral
	}

	e.mu.Lock()
	if e.cat != nil {
		e.cat.Close()
	}
	e.cfg = cfg
	e.roots = roots
	e.cat = cat
	e.mu.Unlock()

	e.reconcile(context.Background())
	return CodeNone
}

// newCorrelationID returns a fresh identifier for log correlation; it is
// distinct from the task handle returned to callers.
func newCorrelationID() string { return uuid.NewString() }
