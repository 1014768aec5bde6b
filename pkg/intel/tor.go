package intel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
)

// DefaultTorListURL TOR 项目公布的出口节点列表
const DefaultTorListURL = "https://check.torproject.org/exit-addresses"

// Fetcher 拉取当前出口节点集合
type Fetcher func(ctx context.Context) (map[string]struct{}, error)

// HTTPFetcher 从出口节点目录拉取列表，client 需自带超时
func HTTPFetcher(client *http.Client, url string) Fetcher {
	return func(ctx context.Context) (map[string]struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch tor exit list: %w: %w", models.ErrExternalLookup, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch tor exit list: %w: status %d", models.ErrExternalLookup, resp.StatusCode)
		}
		return ParseExitList(resp.Body)
	}
}

// ParseExitList 支持 exit-addresses 格式（ExitAddress 行）和每行一个 IP 的纯列表
func ParseExitList(r io.Reader) (map[string]struct{}, error) {
	ips := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		candidate := fields[0]
		if fields[0] == "ExitAddress" {
			if len(fields) < 2 {
				continue
			}
			candidate = fields[1]
		}
		if ip := net.ParseIP(candidate); ip != nil {
			ips[ip.String()] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tor exit list: %w: %w", models.ErrExternalLookup, err)
	}
	return ips, nil
}

type torState struct {
	ips         map[string]struct{}
	fetchedAt   time.Time
	nextAttempt time.Time
}

// TorCache 进程内共享的出口节点缓存。
// 并发刷新允许重复拉取；失败的刷新只在状态未被替换时写回退避时间。
type TorCache struct {
	state      atomic.Pointer[torState]
	fetch      Fetcher
	ttl        time.Duration
	retryAfter time.Duration
	clock      models.Clock
}

func NewTorCache(fetch Fetcher, ttl, retryAfter time.Duration, clock models.Clock) *TorCache {
	if clock == nil {
		clock = models.SystemClock
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &TorCache{fetch: fetch, ttl: ttl, retryAfter: retryAfter, clock: clock}
	c.state.Store(&torState{ips: map[string]struct{}{}})
	return c
}

func (c *TorCache) stale(s *torState, now time.Time) bool {
	if now.Before(s.nextAttempt) {
		return false
	}
	return s.fetchedAt.IsZero() || now.Sub(s.fetchedAt) >= c.ttl
}

// Refresh 拉取失败时保留旧集合，并在 retryAfter 内不再重试
func (c *TorCache) Refresh(ctx context.Context) error {
	now := c.clock()
	old := c.state.Load()
	ips, err := c.fetch(ctx)
	if err != nil {
		// 拉取期间其他刷新已成功时保留其结果
		if !c.state.CompareAndSwap(old, &torState{ips: old.ips, fetchedAt: old.fetchedAt, nextAttempt: now.Add(c.retryAfter)}) {
			old = c.state.Load()
		}
		metrics.TorRefreshes.WithLabelValues("error").Inc()
		logger.Log.Warnf("TOR 出口节点列表刷新失败，继续使用旧列表(%d): %v", len(old.ips), err)
		return err
	}

	c.state.Store(&torState{ips: ips, fetchedAt: now})
	metrics.TorRefreshes.WithLabelValues("ok").Inc()
	metrics.TorExitNodes.Set(float64(len(ips)))
	logger.Log.Infof("TOR 出口节点列表已刷新: %d 个节点", len(ips))
	return nil
}

// Contains 缓存过期时同步刷新后再判断
func (c *TorCache) Contains(ctx context.Context, ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	if c.stale(c.state.Load(), c.clock()) {
		_ = c.Refresh(ctx)
	}
	_, ok := c.state.Load().ips[parsed.String()]
	return ok
}

// Size 当前缓存的节点数
func (c *TorCache) Size() int {
	return len(c.state.Load().ips)
}

// FetchedAt 最近一次成功刷新的时间
func (c *TorCache) FetchedAt() time.Time {
	return c.state.Load().fetchedAt
}
