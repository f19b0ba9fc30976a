// Package rpcpool provides per-chain RPC endpoint pools with ordered
// failover, health tracking, and exponential backoff.
//
// Endpoints are tried in configured order. A transient failure (timeout,
// connection error, server-side error) advances to the next endpoint and
// marks the failing one unhealthy with a growing backoff; unhealthy
// endpoints are deprioritised, never excluded, so a pool where everything
// is down still attempts every endpoint. A permanent failure (protocol
// rejection such as a malformed transaction) is surfaced immediately and
// never retried across endpoints.
package rpcpool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Minute
)

// Endpoint pairs an RPC URL with the client constructed for it.
type Endpoint[C any] struct {
	URL    string
	Client C
}

// Pool is a per-chain set of RPC endpoints. Safe for concurrent use.
type Pool[C any] struct {
	chain       string
	endpoints   []*endpoint[C]
	classify    func(error) Kind
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

type endpoint[C any] struct {
	url    string
	client C

	mu       sync.Mutex
	failures int
	retryAt  time.Time
}

// Option tunes a Pool.
type Option[C any] func(*Pool[C])

// WithClassifier overrides the default error classifier.
func WithClassifier[C any](classify func(error) Kind) Option[C] {
	return func(p *Pool[C]) { p.classify = classify }
}

// WithBackoff overrides the backoff bounds.
func WithBackoff[C any](base, max time.Duration) Option[C] {
	return func(p *Pool[C]) {
		p.baseBackoff = base
		p.maxBackoff = max
	}
}

func withClock[C any](now func() time.Time) Option[C] {
	return func(p *Pool[C]) { p.now = now }
}

// New builds a pool over the given endpoints, preserving their order as
// the preference order.
func New[C any](chain string, endpoints []Endpoint[C], opts ...Option[C]) (*Pool[C], error) {
	if len(endpoints) == 0 {
		return nil, errors.New("rpcpool: at least one endpoint is required")
	}
	p := &Pool[C]{
		chain:       chain,
		classify:    Classify,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		now:         time.Now,
	}
	for _, e := range endpoints {
		p.endpoints = append(p.endpoints, &endpoint[C]{url: e.URL, client: e.Client})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Chain returns the chain identifier this pool serves.
func (p *Pool[C]) Chain() string { return p.chain }

// Do runs call against endpoints in preference order until one succeeds.
// Healthy endpoints are tried before backed-off ones; within each group the
// configured order holds. Returns *Error with Kind Transient once every
// endpoint has failed transiently, or immediately with Kind Permanent on a
// protocol-level rejection.
func (p *Pool[C]) Do(ctx context.Context, call func(ctx context.Context, client C) error) error {
	var transient []error

	for _, ep := range p.ordered() {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: Transient, Chain: p.chain, Err: err}
		}

		err := call(ctx, ep.client)
		if err == nil {
			ep.markHealthy()
			return nil
		}

		if p.classify(err) == Permanent {
			// Not the endpoint's fault; its health is unaffected.
			return &Error{Kind: Permanent, Chain: p.chain, Endpoint: ep.url, Err: err}
		}

		ep.markFailed(p.now(), p.baseBackoff, p.maxBackoff)
		transient = append(transient, err)
	}

	return &Error{Kind: Transient, Chain: p.chain, Err: errors.Join(transient...)}
}

// Healthy reports whether the pool can currently reach any endpoint, using
// ping as the probe.
func (p *Pool[C]) Healthy(ctx context.Context, ping func(ctx context.Context, client C) error) bool {
	return p.Do(ctx, ping) == nil
}

// ordered returns endpoints with ready ones first, preserving configured
// order within each group. Health state affects preference only.
func (p *Pool[C]) ordered() []*endpoint[C] {
	now := p.now()
	out := make([]*endpoint[C], len(p.endpoints))
	copy(out, p.endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ready(now) && !out[j].ready(now)
	})
	return out
}

func (e *endpoint[C]) ready(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !now.Before(e.retryAt)
}

func (e *endpoint[C]) markHealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
	e.retryAt = time.Time{}
}

func (e *endpoint[C]) markFailed(now time.Time, base, max time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	backoff := base << e.failures
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	e.failures++
	e.retryAt = now.Add(backoff)
}
