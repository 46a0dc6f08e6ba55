package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainkit/chainsync/libs/log"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultChainsyncDir = ".chainsync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a chainsync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
	SimNet          *SimNetConfig          `mapstructure:"simnet"`
}

// DefaultConfig returns a default configuration for a chainsync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
		SimNet:          DefaultSimNetConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		Instrumentation: TestInstrumentationConfig(),
		SimNet:          TestSimNetConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	if err := cfg.SimNet.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [simnet] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a chainsync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	// * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
	//   - pure go
	//   - stable
	// * memdb
	//   - nothing is persisted, for local experiments and tests
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`
}

// DefaultBaseConfig returns a default base configuration for a chainsync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a chainsync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatJSON, log.LogFormatText, log.LogFormatPlain:
	default:
		return errors.New("unknown log format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db-backend %q", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig selects which sync pipelines run and tunes them. It is read once
// when the synchronizer is constructed.
type SyncConfig struct {
	// Master switch. When false no pipeline is started.
	SynchronizationEnabled bool `mapstructure:"enable"`

	// Download blocks without executing them until close to the chain head,
	// then download state.
	FastSync bool `mapstructure:"fast-sync"`

	// Download the ancient headers, bodies and receipts below the pivot.
	// Only effective together with fast-sync.
	FastBlocks bool `mapstructure:"fast-blocks"`

	// Download account ranges before healing the state trie.
	SnapSync bool `mapstructure:"snap-sync"`

	DownloadHeadersInFastSync  bool `mapstructure:"download-headers-in-fast-sync"`
	DownloadBodiesInFastSync   bool `mapstructure:"download-bodies-in-fast-sync"`
	DownloadReceiptsInFastSync bool `mapstructure:"download-receipts-in-fast-sync"`

	// Height fast blocks downloads backward from and fast sync forward from.
	// Zero disables the ancient block download.
	PivotHeight int64 `mapstructure:"pivot-height"`

	// Fast sync hands over to state sync once the best known header is
	// within this many blocks of the best peer.
	FastSyncLag int64 `mapstructure:"fast-sync-lag"`

	RequestTimeout        time.Duration `mapstructure:"request-timeout"`
	MaxConcurrentRequests int           `mapstructure:"max-concurrent-requests"`

	BlocksBatchSize        int `mapstructure:"blocks-batch-size"`
	HeadersBatchSize       int `mapstructure:"headers-batch-size"`
	BodiesBatchSize        int `mapstructure:"bodies-batch-size"`
	ReceiptsBatchSize      int `mapstructure:"receipts-batch-size"`
	StateNodesBatchSize    int `mapstructure:"state-nodes-batch-size"`
	SnapPartitions         int `mapstructure:"snap-partitions"`
	SnapAccountsPerRequest int `mapstructure:"snap-accounts-per-request"`

	ModeRefreshInterval time.Duration `mapstructure:"mode-refresh-interval"`
	ReportInterval      time.Duration `mapstructure:"report-interval"`

	// Bounds of the backoff a dispatcher applies when it has no work or no
	// peer.
	MinBackoff time.Duration `mapstructure:"min-backoff"`
	MaxBackoff time.Duration `mapstructure:"max-backoff"`

	// How long a peer whose score fell to the ban threshold is not offered
	// to pipelines. Repeated bans double it.
	PeerBanDuration time.Duration `mapstructure:"peer-ban-duration"`
}

// DefaultSyncConfig returns a default configuration for the synchronizer
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		SynchronizationEnabled:     true,
		DownloadHeadersInFastSync:  true,
		DownloadBodiesInFastSync:   true,
		DownloadReceiptsInFastSync: true,
		FastSyncLag:                32,
		RequestTimeout:             10 * time.Second,
		MaxConcurrentRequests:      4,
		BlocksBatchSize:            32,
		HeadersBatchSize:           192,
		BodiesBatchSize:            64,
		ReceiptsBatchSize:          64,
		StateNodesBatchSize:        384,
		SnapPartitions:             16,
		SnapAccountsPerRequest:     256,
		ModeRefreshInterval:        time.Second,
		ReportInterval:             10 * time.Second,
		MinBackoff:                 20 * time.Millisecond,
		MaxBackoff:                 time.Second,
		PeerBanDuration:            30 * time.Second,
	}
}

// TestSyncConfig returns a configuration for testing the synchronizer
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.FastSyncLag = 4
	cfg.RequestTimeout = time.Second
	cfg.BlocksBatchSize = 8
	cfg.HeadersBatchSize = 16
	cfg.BodiesBatchSize = 8
	cfg.ReceiptsBatchSize = 8
	cfg.StateNodesBatchSize = 16
	cfg.SnapPartitions = 4
	cfg.SnapAccountsPerRequest = 16
	cfg.ModeRefreshInterval = 10 * time.Millisecond
	cfg.ReportInterval = 50 * time.Millisecond
	cfg.MinBackoff = time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.PeerBanDuration = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.PivotHeight < 0 {
		return errors.New("pivot-height can't be negative")
	}
	if cfg.FastSyncLag < 0 {
		return errors.New("fast-sync-lag can't be negative")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request-timeout must be positive")
	}
	if cfg.MaxConcurrentRequests <= 0 {
		return errors.New("max-concurrent-requests must be positive")
	}
	for name, v := range map[string]int{
		"blocks-batch-size":         cfg.BlocksBatchSize,
		"headers-batch-size":        cfg.HeadersBatchSize,
		"bodies-batch-size":         cfg.BodiesBatchSize,
		"receipts-batch-size":       cfg.ReceiptsBatchSize,
		"state-nodes-batch-size":    cfg.StateNodesBatchSize,
		"snap-accounts-per-request": cfg.SnapAccountsPerRequest,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if p := cfg.SnapPartitions; p <= 0 || p > 256 || 256%p != 0 {
		return fmt.Errorf("snap-partitions must divide 256, got %d", p)
	}
	if cfg.ModeRefreshInterval <= 0 {
		return errors.New("mode-refresh-interval must be positive")
	}
	if cfg.ReportInterval <= 0 {
		return errors.New("report-interval must be positive")
	}
	if cfg.MinBackoff <= 0 || cfg.MaxBackoff < cfg.MinBackoff {
		return errors.New("backoff bounds must be positive and min-backoff <= max-backoff")
	}
	if cfg.PeerBanDuration <= 0 {
		return errors.New("peer-ban-duration must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "chainsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr is required when prometheus is enabled")
	}
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SimNetConfig

// SimNetConfig describes an in-process network of simulated peers. It lets a
// node be run end to end without a transport.
type SimNetConfig struct {
	// Number of simulated peers. Zero disables the simulated network.
	Peers int `mapstructure:"peers"`

	// Height of the simulated chain.
	Height int64 `mapstructure:"height"`

	// Number of accounts in the simulated state.
	Accounts int `mapstructure:"accounts"`

	// Seed of the chain generator.
	Seed int64 `mapstructure:"seed"`

	// Artificial response latency of every simulated peer.
	Latency time.Duration `mapstructure:"latency"`

	// Number of peers that answer with corrupted data.
	FaultyPeers int `mapstructure:"faulty-peers"`
}

// DefaultSimNetConfig returns a configuration with the simulated network off.
func DefaultSimNetConfig() *SimNetConfig {
	return &SimNetConfig{
		Height:   1000,
		Accounts: 2000,
		Seed:     1,
		Latency:  10 * time.Millisecond,
	}
}

// TestSimNetConfig returns a small simulated network.
func TestSimNetConfig() *SimNetConfig {
	return &SimNetConfig{
		Peers:    3,
		Height:   64,
		Accounts: 100,
		Seed:     1,
	}
}

// ValidateBasic performs basic validation.
func (cfg *SimNetConfig) ValidateBasic() error {
	if cfg.Peers < 0 {
		return errors.New("peers can't be negative")
	}
	if cfg.FaultyPeers < 0 || cfg.FaultyPeers > cfg.Peers {
		return errors.New("faulty-peers must be between 0 and peers")
	}
	if cfg.Peers > 0 && cfg.Height <= 0 {
		return errors.New("height must be positive")
	}
	if cfg.Accounts < 0 {
		return errors.New("accounts can't be negative")
	}
	if cfg.Latency < 0 {
		return errors.New("latency can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
