package clipfetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrDuplicateAdapter = errors.New("duplicate adapter name")
	ErrInvalidAdapter   = errors.New("invalid adapter")
	ErrUnknownAdapter   = errors.New("unknown adapter")
	ErrNoAdapter        = errors.New("no adapter can handle the source")
)

var (
	PriorityHighest int16 = math.MinInt16
	PriorityDefault int16 = 0
	PriorityLowest  int16 = math.MaxInt16
)

// Progress is one progress observation emitted during an acquisition.
type Progress struct {
	Fraction   float64
	Bytes      int64
	TotalBytes int64
	// Speed in bytes per second, best effort.
	Speed int64
	ETA   time.Duration
}

// ProgressFunc receives progress updates from an in-flight acquisition.
// Implementations must be fast; adapters call it inline.
type ProgressFunc func(Progress)

// AcquireRequest describes one transfer execution.
type AcquireRequest struct {
	Ref SourceRef
	// Rule constrains format selection; nil means the adapter default.
	Rule *SelectionRule
	// OutputDir is where the finished file must land.
	OutputDir string
	// Progress receives monotonic progress updates; may be nil.
	Progress ProgressFunc
}

// Acquisition is the result of a successful transfer.
type Acquisition struct {
	FilePath string
}

// Adapter is the uniform capability interface every provider implementation
// exposes: metadata extraction plus transfer execution. Adapters are
// stateless per invocation and communicate only through return values and
// the progress callback; they never mutate job state.
type Adapter interface {
	Name() string

	// Probe checks whether the adapter is usable in this environment
	// (e.g. its external binary is on PATH).
	Probe(ctx context.Context) error

	// FetchInfo extracts metadata for the reference. It fails with a typed
	// error when the source is unavailable, private, geo-blocked or
	// age-restricted, and never returns a VideoInfo with zero formats.
	FetchInfo(ctx context.Context, ref SourceRef) (*VideoInfo, error)

	// Acquire executes the transfer, emitting monotonic progress updates.
	// Cancelling the context terminates the underlying process or
	// connection promptly and resolves as a DOWNLOAD_CANCELLED error.
	// On success exactly one output file exists; on failure no
	// completed-looking artifact is left behind.
	Acquire(ctx context.Context, req AcquireRequest) (*Acquisition, error)
}

type registeredAdapter struct {
	adapter  Adapter
	priority int16
}

// AdapterRegistry holds the available adapters in preference order.
// Lower priority means tried earlier during fallback sequencing.
type AdapterRegistry struct {
	adapters   []*registeredAdapter
	adapterMap map[string]*registeredAdapter
}

// Add registers an adapter with the default priority.
func (r *AdapterRegistry) Add(a Adapter) error {
	return r.AddPriority(a, PriorityDefault)
}

// AddPriority registers an adapter at an explicit priority. The adapter
// name must be non-empty and unique within the registry.
func (r *AdapterRegistry) AddPriority(a Adapter, priority int16) error {
	if a == nil || a.Name() == "" {
		return ErrInvalidAdapter
	}
	if r.adapterMap == nil {
		r.adapterMap = make(map[string]*registeredAdapter)
	}
	if _, ok := r.adapterMap[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.Name())
	}
	entry := &registeredAdapter{adapter: a, priority: priority}
	r.adapterMap[a.Name()] = entry
	r.adapters = append(r.adapters, entry)
	r.sortByPriority()
	return nil
}

// MustAdd wraps Add but panics on error.
func (r *AdapterRegistry) MustAdd(a Adapter) {
	if err := r.Add(a); err != nil {
		panic(err)
	}
}

// MustAddPriority wraps AddPriority but panics on error.
func (r *AdapterRegistry) MustAddPriority(a Adapter, priority int16) {
	if err := r.AddPriority(a, priority); err != nil {
		panic(err)
	}
}

// Get returns the named adapter, or ErrUnknownAdapter.
func (r *AdapterRegistry) Get(name string) (Adapter, error) {
	if entry, ok := r.adapterMap[name]; ok {
		return entry.adapter, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
}

// List returns the registered adapters in priority order.
func (r *AdapterRegistry) List() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, entry := range r.adapters {
		out = append(out, entry.adapter)
	}
	return out
}

// Names returns the registered adapter names in priority order.
func (r *AdapterRegistry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for _, entry := range r.adapters {
		out = append(out, entry.adapter.Name())
	}
	return out
}

// Probe checks every registered adapter, returning the names of those that
// are available and an aggregate error describing those that are not.
func (r *AdapterRegistry) Probe(ctx context.Context) ([]string, error) {
	var available []string
	var result error
	for _, entry := range r.adapters {
		if err := entry.adapter.Probe(ctx); err != nil {
			result = multierror.Append(result, multierror.Prefix(err, fmt.Sprintf("[%s]", entry.adapter.Name())))
		} else {
			available = append(available, entry.adapter.Name())
		}
	}
	return available, result
}

func (r *AdapterRegistry) sortByPriority() {
	sort.SliceStable(r.adapters, func(i, j int) bool {
		return r.adapters[i].priority < r.adapters[j].priority
	})
}
