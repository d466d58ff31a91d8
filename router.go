// Package minaret implements the offline-caching agent that sits between the
// prayer-times application's pages and the network: it classifies every GET
// request into a traffic class, applies that class's fetch/cache policy
// against generation-tagged cache partitions, and synthesizes an offline
// response when neither network nor cache can serve.
package minaret

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minaret-app/minaret/cache"
)

// Metadata headers added by the agent.
const (
	// HeaderCachedAt is stamped on API responses when they are cached.
	HeaderCachedAt = "X-Cached-At"
	// HeaderServedFromCache marks a response served from a cache fallback.
	HeaderServedFromCache = "X-Served-From-Cache"
	// HeaderOffline marks the synthesized offline response.
	HeaderOffline = "X-Offline"
)

const offlineBody = `{"error":"Offline","message":"You are offline and no cached data is available.","cached":true}`

// class is the traffic class of an intercepted request.
type class int

const (
	classDefault class = iota
	classAPI
	classCoreAsset
)

func (c class) String() string {
	switch c {
	case classAPI:
		return "api"
	case classCoreAsset:
		return "core-asset"
	}
	return "default"
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Storage for the cache partitions.
	Cache cache.Provider
	// Manager resolves logical partition names for the current generation.
	Manager *cache.Manager
	// OriginURL is the prayer-times application server.
	OriginURL url.URL
	// APIPrefixes are the path prefixes of the remote-data endpoints.
	APIPrefixes []string
	// CoreAssets are the static shell files, matched by substring.
	CoreAssets []string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Router intercepts the application's requests and applies per-class cache
// policy. It implements http.Handler.
type Router struct {
	cache       cache.Provider
	manager     *cache.Manager
	originURL   url.URL
	apiPrefixes []string
	coreAssets  []string
	httpClient  http.Client
	log         zerolog.Logger
}

// NewRouter creates the intercepting router.
func NewRouter(config RouterConfig) *Router {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Router{
		cache:       config.Cache,
		manager:     config.Manager,
		originURL:   config.OriginURL,
		apiPrefixes: config.APIPrefixes,
		coreAssets:  config.CoreAssets,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger.With().Str("origin", config.OriginURL.String()).Logger(),
	}
}

// ServeHTTP implements the http.Handler interface.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer rt.recover(w, r)

	// non-GET requests are never intercepted
	if r.Method != http.MethodGet {
		rt.passthrough(w, r)
		return
	}

	requestClass := rt.classify(r)
	switch requestClass {
	case classAPI:
		rt.serveNetworkFirst(w, r, cache.PartitionAPI, true)
	case classCoreAsset:
		rt.serveCacheFirst(w, r)
	default:
		rt.serveNetworkFirst(w, r, cache.PartitionFallback, false)
	}
}

// classify puts a GET request into exactly one traffic class.
// Core-asset matching is substring based on purpose: it tolerates query
// strings and host variation at the cost of precision.
func (rt *Router) classify(r *http.Request) class {
	for _, prefix := range rt.apiPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return classAPI
		}
	}
	fullURL := r.URL.String()
	for _, asset := range rt.coreAssets {
		if r.URL.Path == asset || (asset != "/" && strings.Contains(fullURL, asset)) {
			return classCoreAsset
		}
	}
	return classDefault
}

// serveNetworkFirst implements the network-first policy: live fetch, cache
// the copy on success, fall back to the stored copy on failure, offline
// response as the last resort. API responses get a fresh cached-at stamp;
// both classes tag fallback responses as served from cache.
func (rt *Router) serveNetworkFirst(w http.ResponseWriter, r *http.Request, logical string, stampCachedAt bool) {
	partition := rt.manager.Partition(logical)
	key := r.URL.RequestURI()

	res, err := rt.fetch(r)
	if err == nil {
		defer res.Body.Close()
		if stampCachedAt {
			res.Header.Set(HeaderCachedAt, time.Now().UTC().Format(time.RFC3339))
		}
		rt.storeResponse(partition, key, res)
		rt.send(w, r, res, true, false)
		return
	}
	rt.log.Debug().Err(err).Str("key", key).Msg("Network fetch failed, trying cache")

	if cached, ok, err := rt.cache.Get(partition, key); err == nil && ok {
		res, err := cache.BytesToResponse(cached.Bytes)
		if err == nil {
			defer res.Body.Close()
			res.Header.Set(HeaderServedFromCache, "true")
			rt.send(w, r, res, false, true)
			return
		}
		rt.log.Error().Err(err).Str("key", key).Msg("Could not revive stored response")
	}

	rt.sendOffline(w, r)
}

// serveCacheFirst implements the cache-first policy for core assets: a cache
// hit never touches the network; a miss fetches once and populates the cache.
func (rt *Router) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	partition := rt.manager.Partition(cache.PartitionCoreAssets)
	key := r.URL.RequestURI()

	if cached, ok, err := rt.cache.Get(partition, key); err == nil && ok {
		if res, err := cache.BytesToResponse(cached.Bytes); err == nil {
			defer res.Body.Close()
			rt.send(w, r, res, false, true)
			return
		} else {
			// corrupted entry: drop it and fall through to the network
			rt.log.Error().Err(err).Str("key", key).Msg("Could not revive stored response")
			rt.cache.Purge(partition, key)
		}
	}

	res, err := rt.fetch(r)
	if err != nil {
		rt.log.Debug().Err(err).Str("key", key).Msg("Core asset fetch failed")
		rt.sendOffline(w, r)
		return
	}
	defer res.Body.Close()
	rt.storeResponse(partition, key, res)
	rt.send(w, r, res, true, false)
}

// storeResponse serializes and stores a copy of the response. Failures are
// logged and swallowed: the already-obtained response is still served.
func (rt *Router) storeResponse(partition, key string, res *http.Response) {
	bts, err := cache.ResponseToBytes(res)
	if err != nil {
		rt.log.Error().Err(err).Str("key", key).Msg("Could not serialize response for cache")
		return
	}
	if err := rt.cache.Put(partition, key, bts); err != nil {
		rt.log.Error().Err(err).Str("key", key).Str("partition", partition).Msg("Could not write to cache")
		return
	}
	rt.log.Trace().Str("key", key).Str("partition", partition).Msg("Cache write")
}

// fetch requests the resource specified in the incoming request from the origin.
func (rt *Router) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(
		r.Context(), r.Method, strings.TrimSuffix(rt.originURL.String(), "/")+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = rt.originURL.Host
	return rt.httpClient.Do(req)
}

// passthrough pipes a non-GET request to the origin untouched.
func (rt *Router) passthrough(w http.ResponseWriter, r *http.Request) {
	res, err := rt.fetch(r)
	if err != nil {
		rt.log.Error().Err(err).Str("url", r.URL.String()).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	rt.send(w, r, res, false, false)
}

func (rt *Router) send(w http.ResponseWriter, r *http.Request, res *http.Response, live, hit bool) {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		rt.log.Error().Err(err).Msg("Could not write response body to client")
	}
	rt.logRequest(r, res.StatusCode, live, hit)
}

// sendOffline returns the synthesized offline response.
func (rt *Router) sendOffline(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderOffline, "true")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, offlineBody)
	rt.logRequest(r, http.StatusServiceUnavailable, false, false)
}

// recover is the escape hatch: a panic in the cache path must never take the
// agent down, so the request is piped straight to the origin instead.
func (rt *Router) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		rt.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		rt.passthrough(w, r)
	}
}

func (rt *Router) logRequest(r *http.Request, status int, live, hit bool) {
	isHit := 0
	if hit {
		isHit = 1
	}
	rt.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("class", rt.classify(r).String()).
		Int("status", status).
		Bool("live", live).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
