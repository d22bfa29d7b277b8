package nntp

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nzbcore/gonzbd/internal/config"
	"github.com/nzbcore/gonzbd/internal/events"
	"github.com/nzbcore/gonzbd/internal/logger"
)

// Lease is a connection checked out from one server's pool. It must be
// returned exactly once via Pool.Return.
type Lease struct {
	server *serverPool
	conn   *conn
}

// FetchArticle issues BODY for messageID over this leased connection.
func (l *Lease) FetchArticle(ctx context.Context, messageID string) ([]byte, error) {
	if l.conn == nil {
		return nil, newArticleErr(ArticleTransportErr, fmt.Errorf("lease has no connection"))
	}
	return l.conn.fetchArticle(ctx, messageID)
}

// Outcome tells the pool what to do with a returned connection.
type Outcome int

const (
	OutcomeHealthy Outcome = iota
	OutcomeUnhealthy
)

type serverPool struct {
	cfg  config.ServerConfig
	sem  *semaphore.Weighted
	log  *logger.Logger
	bus  *events.Bus

	mu          sync.Mutex
	idle        []*conn
	unavailable bool // AuthFailed: disabled until operator intervention
	backoff     time.Duration

	probedOnce   sync.Once
	compressGzip bool
	pipeline     bool
}

// Pool manages one serverPool per configured server, ordered by
// priority (0 = primary), and is the object the fetcher leases from.
type Pool struct {
	servers []*serverPool
	log     *logger.Logger
}

// NewPool constructs a Pool from configuration. Connections are dialed
// lazily on first lease, not at construction time.
func NewPool(cfgs []config.ServerConfig, log *logger.Logger, bus *events.Bus) *Pool {
	p := &Pool{log: log}
	for _, c := range cfgs {
		p.servers = append(p.servers, &serverPool{
			cfg:     c,
			sem:     semaphore.NewWeighted(int64(c.Connections)),
			log:     log,
			bus:     bus,
			backoff: time.Second,
		})
	}
	sort.SliceStable(p.servers, func(i, j int) bool {
		return p.servers[i].cfg.Priority < p.servers[j].cfg.Priority
	})
	return p
}

// Servers returns the configured server pools in priority order (0 first).
func (p *Pool) Servers() []*serverPool { return p.servers }

// ID returns the configured server identifier.
func (sp *serverPool) ID() string { return sp.cfg.ID }

// Priority returns the configured server priority (0 = primary).
func (sp *serverPool) Priority() int { return sp.cfg.Priority }

// Unavailable reports whether this server was disabled after an
// AuthFailed: disabled until operator intervention.
func (sp *serverPool) Unavailable() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.unavailable
}

// Lease acquires a connection slot for this server, FIFO-fair via the
// weighted semaphore's internal waiter list, dialing lazily if no idle
// connection is available.
func (sp *serverPool) Lease(ctx context.Context) (*Lease, error) {
	if sp.Unavailable() {
		return nil, newArticleErr(ArticleAuthFailed, fmt.Errorf("server %s disabled after auth failure", sp.cfg.ID))
	}

	if err := sp.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	c, err := sp.take()
	if err != nil {
		sp.sem.Release(1)
		if ae, ok := err.(*ArticleError); ok && ae.Kind == ArticleAuthFailed {
			sp.mu.Lock()
			sp.unavailable = true
			sp.mu.Unlock()
			if sp.bus != nil {
				sp.bus.Publish(events.Event{Kind: events.KindFailed, Payload: events.Payload("server", sp.cfg.ID, "reason", "auth_failed")})
			}
		}
		return nil, err
	}

	sp.probedOnce.Do(func() {
		sp.compressGzip, sp.pipeline = c.probeCapabilities()
		sp.log.Debug("nntp[%s]: capabilities compress_gzip=%v pipeline=%v", sp.cfg.ID, sp.compressGzip, sp.pipeline)
	})

	return &Lease{server: sp, conn: c}, nil
}

// take returns an idle connection or dials a fresh one with exponential
// backoff bounded per server.
func (sp *serverPool) take() (*conn, error) {
	sp.mu.Lock()
	if n := len(sp.idle); n > 0 {
		c := sp.idle[n-1]
		sp.idle = sp.idle[:n-1]
		sp.mu.Unlock()
		return c, nil
	}
	sp.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		c, err := dial(sp.cfg)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if IsArticleErrorKind(err, ArticleAuthFailed) {
			return nil, err
		}
		delay := sp.nextBackoff(attempt)
		time.Sleep(delay)
	}
	return nil, lastErr
}

func (sp *serverPool) nextBackoff(attempt int) time.Duration {
	base := sp.backoff * time.Duration(math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Int63n(int64(base / 4)))
	return base + jitter
}

// Return gives a leased connection back to its server pool. An
// Unhealthy outcome drops the connection instead of recycling it, per
// transport errors and timeouts poison a session.
func (sp *serverPool) Return(l *Lease, outcome Outcome) {
	if l == nil {
		return
	}
	defer sp.sem.Release(1)

	if outcome == OutcomeUnhealthy || l.conn == nil {
		if l.conn != nil {
			l.conn.close()
		}
		return
	}

	sp.mu.Lock()
	sp.idle = append(sp.idle, l.conn)
	sp.mu.Unlock()
}

// TotalConnections sums configured connections across every server —
// the fetch fan-out width for a single download.
func (p *Pool) TotalConnections() int {
	total := 0
	for _, sp := range p.servers {
		total += sp.cfg.Connections
	}
	return total
}

// Close tears down every idle connection across all servers.
func (p *Pool) Close() {
	for _, sp := range p.servers {
		sp.mu.Lock()
		for _, c := range sp.idle {
			c.close()
		}
		sp.idle = nil
		sp.mu.Unlock()
	}
}
