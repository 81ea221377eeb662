package providerhttp

import (
	"net/http"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/gregjones/httpcache"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

var clientCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crmsync_provider_client_cache_total",
	Help: "Lookups of per-account provider HTTP clients by result.",
}, []string{"result"})

// ClientSource hands out the HTTP client used for one account's API calls.
type ClientSource interface {
	Client(provider model.Provider, accountID string) *http.Client
}

// StaticClient serves the same client for every account. Used in tests and
// for token endpoint calls, which must never be cached.
type StaticClient struct {
	HTTP *http.Client
}

// Client returns the wrapped client.
func (s StaticClient) Client(model.Provider, string) *http.Client {
	if s.HTTP == nil {
		return http.DefaultClient
	}
	return s.HTTP
}

// ClientCache builds and caches one client per account with the transport stack:
//  1. go-github-ratelimit (sleeps on 429/403 using Retry-After and reset headers)
//  2. httpcache (ETag-based conditional requests, private to the account)
//  3. base transport
//
// Each account gets its own cache so cached responses never cross accounts.
type ClientCache struct {
	lru      *expirable.LRU[string, *http.Client]
	base     http.RoundTripper
	timeout  time.Duration
	uncached *http.Client
}

// NewClientCache creates a cache holding up to size clients for ttl each.
// timeout bounds every request made through a client.
func NewClientCache(size int, ttl, timeout time.Duration) *ClientCache {
	uncached := github_ratelimit.NewClient(http.DefaultTransport)
	uncached.Timeout = timeout

	return &ClientCache{
		lru:      expirable.NewLRU[string, *http.Client](size, nil, ttl),
		base:     http.DefaultTransport,
		timeout:  timeout,
		uncached: uncached,
	}
}

// Client returns the account's client, building it on first use. Calls made
// before the account is known (accountID empty) get a client without a
// response cache.
func (c *ClientCache) Client(provider model.Provider, accountID string) *http.Client {
	if accountID == "" {
		return c.uncached
	}
	key := string(provider) + "|" + accountID
	if client, ok := c.lru.Get(key); ok {
		clientCacheTotal.WithLabelValues("hit").Inc()
		return client
	}
	clientCacheTotal.WithLabelValues("miss").Inc()

	cacheTransport := httpcache.NewTransport(httpcache.NewMemoryCache())
	cacheTransport.Transport = c.base
	client := github_ratelimit.NewClient(cacheTransport)
	client.Timeout = c.timeout

	c.lru.Add(key, client)
	return client
}

// Evict drops the account's client, discarding its response cache. Called
// when an account is reconnected so stale cached bodies are not served.
func (c *ClientCache) Evict(provider model.Provider, accountID string) {
	c.lru.Remove(string(provider) + "|" + accountID)
}
