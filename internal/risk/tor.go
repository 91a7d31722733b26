package risk

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openidx/loginguard/internal/common/resilience"
	"github.com/openidx/loginguard/internal/metrics"
)

const (
	maxTorListBody  = 8 << 20
	torFetchTimeout = 20 * time.Second
)

// TorExitList holds a snapshot of the Tor bulk exit list. The snapshot is
// refetched at most once per refresh interval; a failed fetch keeps nothing
// and the next lookup tries again.
type TorExitList struct {
	url     string
	client  resilience.HTTPDoer
	refresh time.Duration
	logger  *zap.Logger
	now     func() time.Time

	fetch singleflight.Group

	mu        sync.RWMutex
	nodes     map[string]struct{}
	fetchedAt time.Time
}

// NewTorExitList creates a list backed by the plaintext endpoint at url
func NewTorExitList(url string, client resilience.HTTPDoer, refresh time.Duration, logger *zap.Logger) *TorExitList {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refresh <= 0 {
		refresh = 30 * time.Minute
	}
	return &TorExitList{
		url:     url,
		client:  client,
		refresh: refresh,
		logger:  logger.With(zap.String("component", "tor_exit_list")),
		now:     time.Now,
	}
}

// Contains reports whether ip is listed as an exit node. An error means the
// list could not be fetched.
func (t *TorExitList) Contains(ctx context.Context, ip string) (bool, error) {
	nodes, err := t.snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, ok := nodes[strings.TrimSpace(ip)]
	return ok, nil
}

// Reset drops the snapshot so the next lookup refetches
func (t *TorExitList) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = nil
	t.fetchedAt = time.Time{}
}

func (t *TorExitList) snapshot(ctx context.Context) (map[string]struct{}, error) {
	t.mu.RLock()
	nodes, fetchedAt := t.nodes, t.fetchedAt
	t.mu.RUnlock()
	if nodes != nil && t.now().Sub(fetchedAt) < t.refresh {
		return nodes, nil
	}

	// The fetch is shared, so it must not die with whichever caller started
	// it. Each caller still stops waiting at its own deadline.
	ch := t.fetch.DoChan("list", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), torFetchTimeout)
		defer cancel()
		fresh, err := t.download(fctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.nodes = fresh
		t.fetchedAt = t.now()
		t.mu.Unlock()
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for tor exit list: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]struct{}), nil
	}
}

func (t *TorExitList) download(ctx context.Context) (nodes map[string]struct{}, err error) {
	defer func() { metrics.RecordProviderRequest("tor_exit_list", err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tor list request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tor exit list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tor exit list returned HTTP %d", resp.StatusCode)
	}

	nodes = make(map[string]struct{})
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxTorListBody))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		nodes[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tor exit list: %w", err)
	}

	t.logger.Info("Tor exit list refreshed", zap.Int("nodes", len(nodes)))
	return nodes, nil
}
