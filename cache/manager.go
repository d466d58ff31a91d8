package cache

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager owns the generation-tagged partition set: it provisions and
// pre-populates the current generation on install, and garbage-collects
// every partition belonging to older generations on activation.
type Manager struct {
	cache      Provider
	generation string
	originURL  url.URL
	coreAssets []string
	endpoints  []string
	httpClient *http.Client
	log        zerolog.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Cache      Provider
	Generation string
	OriginURL  url.URL
	// Paths of the static shell files to pre-populate into core-assets.
	CoreAssets []string
	// Paths of the API endpoints to pre-fetch into the api partition.
	Endpoints []string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// NewManager creates a partition manager for the given generation.
func NewManager(config ManagerConfig) *Manager {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Manager{
		cache:      config.Cache,
		generation: config.Generation,
		originURL:  config.OriginURL,
		coreAssets: config.CoreAssets,
		endpoints:  config.Endpoints,
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger.With().Str("generation", config.Generation).Logger(),
	}
}

// Generation returns the current generation identifier.
func (m *Manager) Generation() string {
	return m.generation
}

// Partition returns the on-disk partition name for a logical name,
// e.g. Partition(PartitionAPI) == "api-v3".
func (m *Manager) Partition(logical string) string {
	return logical + "-" + m.generation
}

// CurrentPartitions returns the three partition names of the current generation.
func (m *Manager) CurrentPartitions() []string {
	return []string{
		m.Partition(PartitionCoreAssets),
		m.Partition(PartitionAPI),
		m.Partition(PartitionFallback),
	}
}

// Install provisions the current generation's partitions and pre-populates
// them best-effort: every core asset into core-assets, every declared API
// endpoint into api. Individual fetch failures are logged and swallowed;
// partial pre-population is acceptable.
func (m *Manager) Install(ctx context.Context) error {
	if err := m.cache.Provision(m.CurrentPartitions()...); err != nil {
		return err
	}
	m.log.Info().Int("assets", len(m.coreAssets)).Msg("Pre-populating core assets")
	for _, asset := range m.coreAssets {
		m.prefetch(ctx, m.Partition(PartitionCoreAssets), asset)
	}
	for _, endpoint := range m.endpoints {
		m.prefetch(ctx, m.Partition(PartitionAPI), endpoint)
	}
	return nil
}

// Activate deletes every partition that does not belong to the current
// generation. It is idempotent: run twice in a row, the second run deletes
// nothing and exactly the current partitions remain.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.cache.Provision(m.CurrentPartitions()...); err != nil {
		return err
	}
	names, err := m.cache.Partitions()
	if err != nil {
		return err
	}
	current := make(map[string]bool, 3)
	for _, name := range m.CurrentPartitions() {
		current[name] = true
	}
	for _, name := range names {
		if current[name] {
			continue
		}
		m.log.Info().Str("partition", name).Msg("Deleting stale cache partition")
		if err := m.cache.DeletePartition(name); err != nil {
			m.log.Error().Err(err).Str("partition", name).Msg("Could not delete stale partition")
		}
	}
	return nil
}

// ClearAll drops the contents of all current-generation partitions.
func (m *Manager) ClearAll() error {
	for _, name := range m.CurrentPartitions() {
		if err := m.cache.ClearPartition(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) prefetch(ctx context.Context, partition, path string) {
	target := strings.TrimSuffix(m.originURL.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("Could not create prefetch request")
		return
	}
	res, err := m.httpClient.Do(req)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("Could not prefetch")
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		m.log.Warn().Int("status", res.StatusCode).Str("path", path).Msg("Prefetch not cached")
		return
	}
	bts, err := ResponseToBytes(res)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("Could not serialize prefetched response")
		return
	}
	if err := m.cache.Put(partition, path, bts); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("Could not store prefetched response")
		return
	}
	m.log.Debug().Str("path", path).Str("partition", partition).Msg("Prefetched")
}
