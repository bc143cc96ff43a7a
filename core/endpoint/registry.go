package endpoint

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/syncx"
	"github.com/rs/zerolog"
)

// Registration is one endpoint registered under a marker.
type Registration struct {
	registry   *Registry
	id         uint64
	marker     any
	markerType reflect.Type
	endpoint   *Endpoint
	owner      capability.Owner
	rank       int
	gone       atomic.Bool
}

// ID returns the registration sequence number.
func (r *Registration) ID() uint64 { return r.id }

// Marker returns the marker value the endpoint was registered with.
func (r *Registration) Marker() any { return r.marker }

// MarkerType returns the Go type of the marker.
func (r *Registration) MarkerType() reflect.Type { return r.markerType }

// Endpoint returns the registered endpoint.
func (r *Registration) Endpoint() *Endpoint { return r.endpoint }

// Owner returns the contributor, or nil for the process.
func (r *Registration) Owner() capability.Owner { return r.owner }

// Rank returns the ordering rank.
func (r *Registration) Rank() int { return r.rank }

// Active reports whether the registration is still present.
func (r *Registration) Active() bool { return !r.gone.Load() }

// Unregister removes the registration. Calling it again is a no-op.
func (r *Registration) Unregister() error {
	return r.registry.unregister(r)
}

func (r *Registration) before(o *Registration) bool {
	if r.rank != o.rank {
		return r.rank > o.rank
	}
	return r.id < o.id
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger      zerolog.Logger
	LockTimeout time.Duration
	LockOptions []syncx.Option
}

// Registry holds endpoints keyed by marker type.
type Registry struct {
	lock     *syncx.RWLock
	logger   zerolog.Logger
	seq      uint64
	byMarker map[reflect.Type][]*Registration
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		lock:     syncx.NewRWLock("endpoints", cfg.LockTimeout, cfg.LockOptions...),
		logger:   cfg.Logger.With().Str("component", "endpoints").Logger(),
		byMarker: make(map[reflect.Type][]*Registration),
	}
}

// Register adds ep under marker.
func (r *Registry) Register(owner capability.Owner, marker any, ep *Endpoint, rank int) (*Registration, error) {
	if marker == nil {
		return nil, fmt.Errorf("register endpoint: nil marker")
	}
	if ep == nil {
		return nil, fmt.Errorf("register endpoint: nil endpoint")
	}
	reg := &Registration{
		registry:   r,
		marker:     marker,
		markerType: reflect.TypeOf(marker),
		endpoint:   ep,
		owner:      owner,
		rank:       rank,
	}

	err := r.lock.Write(func() error {
		r.seq++
		reg.id = r.seq
		list := r.byMarker[reg.markerType]
		i := sort.Search(len(list), func(i int) bool { return reg.before(list[i]) })
		r.byMarker[reg.markerType] = slices.Insert(list, i, reg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register endpoint %s: %w", ep, err)
	}

	r.logger.Debug().
		Str("marker", reg.markerType.String()).
		Str("endpoint", ep.String()).
		Int("rank", rank).
		Msg("endpoint registered")
	return reg, nil
}

func (r *Registry) unregister(reg *Registration) error {
	return r.lock.Write(func() error {
		r.removeLocked(reg)
		return nil
	})
}

func (r *Registry) removeLocked(reg *Registration) {
	if reg.gone.Swap(true) {
		return
	}
	list := r.byMarker[reg.markerType]
	if i := slices.Index(list, reg); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(r.byMarker, reg.markerType)
		return
	}
	r.byMarker[reg.markerType] = list
}

// UnregisterAll removes every endpoint contributed by owner.
func (r *Registry) UnregisterAll(owner capability.Owner) (int, error) {
	var n int
	err := r.lock.Write(func() error {
		for _, list := range r.byMarker {
			for _, reg := range slices.Clone(list) {
				if reg.owner == owner {
					r.removeLocked(reg)
					n++
				}
			}
		}
		return nil
	})
	return n, err
}

// Lookup returns the endpoints registered under markers of markerType, ordered by rank.
func (r *Registry) Lookup(markerType reflect.Type) ([]*Registration, error) {
	var out []*Registration
	err := r.lock.Read(func() error {
		out = slices.Clone(r.byMarker[markerType])
		return nil
	})
	return out, err
}

// LookupFor returns the endpoints registered under markers of type M.
func LookupFor[M any](r *Registry) ([]*Registration, error) {
	return r.Lookup(reflect.TypeFor[M]())
}

// All returns every registration grouped by marker type name and ordered by rank
// within each group.
func (r *Registry) All() ([]*Registration, error) {
	var out []*Registration
	err := r.lock.Read(func() error {
		for _, list := range r.byMarker {
			out = append(out, list...)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *Registration) int {
		if a.markerType != b.markerType {
			if a.markerType.String() < b.markerType.String() {
				return -1
			}
			return 1
		}
		if a.before(b) {
			return -1
		}
		return 1
	})
	return out, err
}
