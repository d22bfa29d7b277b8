// Package fetcher implements the single-article fetch path: lease a
// connection from each configured server in priority order, yEnc-decode
// the body, and fall back to the next server on NotFound or transport
// failure.
package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/nzbcore/gonzbd/internal/decoding"
	"github.com/nzbcore/gonzbd/internal/nntp"
)

const retriesPerServer = 3

// Result is the decoded article payload plus the 0-based offset yEnc
// reports for this part. The driver orders segments by segment number and
// does not read Offset.
type Result struct {
	Data   []byte
	Offset int64
}

// Fetcher fetches one article at a time, trying servers in priority order.
type Fetcher struct {
	pool    *nntp.Pool
	timeout time.Duration
}

func New(pool *nntp.Pool, attemptTimeout time.Duration) *Fetcher {
	if attemptTimeout <= 0 {
		attemptTimeout = 60 * time.Second
	}
	return &Fetcher{pool: pool, timeout: attemptTimeout}
}

// Fetch tries each server in priority order with per-server retries and
// jittered backoff. NotFound is never retried on the same server;
// AuthFailed propagates immediately.
func (f *Fetcher) Fetch(ctx context.Context, messageID string) (*Result, error) {
	var lastErr error

	for _, sp := range f.pool.Servers() {
		if sp.Unavailable() {
			continue
		}

		result, err := f.fetchFromServer(ctx, sp, messageID)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if nntp.IsArticleErrorKind(err, nntp.ArticleAuthFailed) {
			return nil, err
		}
		// NotFound/TransportError/Timeout: try the next server.
	}

	if lastErr == nil {
		lastErr = errors.New("no servers configured")
	}
	return nil, lastErr
}

func (f *Fetcher) fetchFromServer(ctx context.Context, sp leaser, messageID string) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < retriesPerServer; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Intn(200)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100*time.Millisecond + jitter):
			}
		}

		lease, err := sp.Lease(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
		raw, err := lease.FetchArticle(attemptCtx, messageID)
		cancel()

		if err != nil {
			if nntp.IsArticleErrorKind(err, nntp.ArticleNotFound) {
				releaseLease(sp, lease, nntp.OutcomeHealthy)
				return nil, err
			}
			releaseLease(sp, lease, nntp.OutcomeUnhealthy)
			lastErr = err
			if nntp.IsArticleErrorKind(err, nntp.ArticleAuthFailed) {
				return nil, err
			}
			continue
		}

		releaseLease(sp, lease, nntp.OutcomeHealthy)

		result, decErr := decodeYenc(raw)
		if decErr != nil {
			lastErr = decErr
			continue
		}
		return result, nil
	}

	return nil, lastErr
}

// leaser is the subset of *nntp's unexported server-pool type this
// package needs; satisfied structurally by the values nntp.Pool.Servers
// returns.
type leaser interface {
	Lease(ctx context.Context) (*nntp.Lease, error)
	Return(*nntp.Lease, nntp.Outcome)
	Unavailable() bool
}

func releaseLease(sp leaser, lease *nntp.Lease, outcome nntp.Outcome) {
	sp.Return(lease, outcome)
}

func decodeYenc(raw []byte) (*Result, error) {
	seg, err := decoding.DecodeSegment(raw)
	if err != nil {
		return nil, err
	}
	return &Result{Data: seg.Data, Offset: seg.PartOffset}, nil
}
