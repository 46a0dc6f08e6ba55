package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/creachadair/atomicfile"

	tmos "github.com/chainkit/chainsync/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := tmos.EnsureDir(rootDir, defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/chainsync/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all. The file is replaced atomically.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	if _, err := atomicfile.WriteAll(path, &buffer, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteDefaultConfigFileIfNone writes the default configuration unless a
// config file already exists under rootDir.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.chainsync" by default, but could be changed via $CHAINSYNC_HOME env
# variable or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend: goleveldb | memdb
# * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
#   - pure go
#   - stable
# * memdb
#   - nothing is persisted
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging, including package level options
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                     Synchronization Options                     ###
#######################################################################
[sync]

# Master switch. When false no sync pipeline is started.
enable = {{ .Sync.SynchronizationEnabled }}

# Download blocks without executing them until close to the chain head,
# then download the state.
fast-sync = {{ .Sync.FastSync }}

# Download the ancient headers, bodies and receipts below the pivot.
fast-blocks = {{ .Sync.FastBlocks }}

# Download account ranges before healing the state trie.
snap-sync = {{ .Sync.SnapSync }}

download-headers-in-fast-sync = {{ .Sync.DownloadHeadersInFastSync }}
download-bodies-in-fast-sync = {{ .Sync.DownloadBodiesInFastSync }}
download-receipts-in-fast-sync = {{ .Sync.DownloadReceiptsInFastSync }}

# Height the ancient block download starts from. Zero disables it.
pivot-height = {{ .Sync.PivotHeight }}

# Fast sync hands over to state sync once the best known header is within
# this many blocks of the best peer.
fast-sync-lag = {{ .Sync.FastSyncLag }}

# Timeout of a single request to a peer.
request-timeout = "{{ .Sync.RequestTimeout }}"

# Maximum number of requests a single pipeline keeps in flight.
max-concurrent-requests = {{ .Sync.MaxConcurrentRequests }}

blocks-batch-size = {{ .Sync.BlocksBatchSize }}
headers-batch-size = {{ .Sync.HeadersBatchSize }}
bodies-batch-size = {{ .Sync.BodiesBatchSize }}
receipts-batch-size = {{ .Sync.ReceiptsBatchSize }}
state-nodes-batch-size = {{ .Sync.StateNodesBatchSize }}

# Number of account hash ranges snap sync downloads in parallel. Must divide 256.
snap-partitions = {{ .Sync.SnapPartitions }}
snap-accounts-per-request = {{ .Sync.SnapAccountsPerRequest }}

# How often the sync mode is recomputed.
mode-refresh-interval = "{{ .Sync.ModeRefreshInterval }}"

# How often sync progress is logged.
report-interval = "{{ .Sync.ReportInterval }}"

# Backoff bounds applied when a pipeline has no work or no peer.
min-backoff = "{{ .Sync.MinBackoff }}"
max-backoff = "{{ .Sync.MaxBackoff }}"

# How long a peer is left out after its score reaches the ban threshold.
# Each further ban of the same peer doubles it.
peer-ban-duration = "{{ .Sync.PeerBanDuration }}"

#######################################################################
###                   Instrumentation Options                       ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max-open-connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"

#######################################################################
###                   Simulated Network Options                     ###
#######################################################################
[simnet]

# Number of in-process simulated peers. Zero disables the simulated network.
peers = {{ .SimNet.Peers }}

# Height of the simulated chain.
height = {{ .SimNet.Height }}

# Number of accounts in the simulated state.
accounts = {{ .SimNet.Accounts }}

# Seed of the chain generator.
seed = {{ .SimNet.Seed }}

# Artificial response latency of every simulated peer.
latency = "{{ .SimNet.Latency }}"

# Number of simulated peers that answer with corrupted data.
faulty-peers = {{ .SimNet.FaultyPeers }}
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh root directory with a test config file and
// returns the matching test config.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s-%s", "chainsync-test", testName))
	if err != nil {
		return nil, err
	}

	EnsureRoot(rootDir)

	conf := TestConfig().SetRoot(rootDir)
	if err := WriteConfigFile(rootDir, conf); err != nil {
		return nil, err
	}
	return conf, nil
}
