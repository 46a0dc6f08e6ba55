package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/report"
	"github.com/chainkit/chainsync/internal/simnet"
	"github.com/chainkit/chainsync/internal/store"
	"github.com/chainkit/chainsync/internal/syncer"
	"github.com/chainkit/chainsync/internal/syncer/dispatch"
	"github.com/chainkit/chainsync/internal/syncmode"
	"github.com/chainkit/chainsync/internal/validation"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/libs/service"
)

const metricsShutdownTimeout = 5 * time.Second

// AddNodeFlags exposes the sync options most often changed on the
// command-line.
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	// sync flags
	cmd.Flags().Bool("sync.enable", conf.Sync.SynchronizationEnabled, "enable synchronization")
	cmd.Flags().Bool("sync.fast-sync", conf.Sync.FastSync, "download blocks without execution and acquire state at the tip")
	cmd.Flags().Bool("sync.fast-blocks", conf.Sync.FastBlocks, "download the ancient blocks below the pivot")
	cmd.Flags().Bool("sync.snap-sync", conf.Sync.SnapSync, "download account ranges before trie nodes")
	cmd.Flags().Int64("sync.pivot-height", conf.Sync.PivotHeight, "height fast blocks download down from")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr", conf.Instrumentation.PrometheusListenAddr,
		"prometheus listen address")

	// simnet flags
	cmd.Flags().Int("simnet.peers", conf.SimNet.Peers, "number of simulated peers, 0 disables the simulated network")
	cmd.Flags().Int64("simnet.height", conf.SimNet.Height, "height of the simulated chain")

	addDBFlags(cmd, conf)
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db-backend",
		conf.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db-dir",
		conf.DBPath,
		"database directory")
}

// NewRunNodeCmd returns the command that runs synchronization until it is
// interrupted.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), conf, logger)
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}

type nodeMetrics struct {
	syncer   *syncer.Metrics
	dispatch *dispatch.Metrics
	report   *report.Metrics
	peers    *peers.Metrics
}

func defaultMetrics(conf *config.InstrumentationConfig, moniker string) nodeMetrics {
	if !conf.Prometheus {
		return nodeMetrics{
			syncer:   syncer.NopMetrics(),
			dispatch: dispatch.NopMetrics(),
			report:   report.NopMetrics(),
			peers:    peers.NopMetrics(),
		}
	}
	return nodeMetrics{
		syncer:   syncer.PrometheusMetrics(conf.Namespace, "moniker", moniker),
		dispatch: dispatch.PrometheusMetrics(conf.Namespace, "moniker", moniker),
		report:   report.PrometheusMetrics(conf.Namespace, "moniker", moniker),
		peers:    peers.PrometheusMetrics(conf.Namespace, "moniker", moniker),
	}
}

type stores struct {
	blocks   *store.BlockStore
	receipts *store.ReceiptStore
	state    *store.StateStore
}

func openStores(conf *config.Config) (*stores, error) {
	open := func(id string) (dbm.DB, error) {
		db, err := config.DefaultDBProvider(&config.DBContext{ID: id, Config: conf})
		if err != nil {
			return nil, fmt.Errorf("opening %s database: %w", id, err)
		}
		return db, nil
	}

	blockDB, err := open("blockstore")
	if err != nil {
		return nil, err
	}
	receiptDB, err := open("receipts")
	if err != nil {
		return nil, multierror.Append(err, blockDB.Close()).ErrorOrNil()
	}
	stateDB, err := open("state")
	if err != nil {
		return nil, multierror.Append(err, blockDB.Close(), receiptDB.Close()).ErrorOrNil()
	}
	return &stores{
		blocks:   store.NewBlockStore(blockDB),
		receipts: store.NewReceiptStore(receiptDB),
		state:    store.NewStateStore(stateDB),
	}, nil
}

func (s *stores) Close() error {
	return multierror.Append(nil, s.blocks.Close(), s.receipts.Close(), s.state.Close()).ErrorOrNil()
}

func runNode(ctx context.Context, conf *config.Config, logger log.Logger) (err error) {
	metrics := defaultMetrics(conf.Instrumentation, conf.Moniker)

	dbs, err := openStores(conf)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dbs.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("closing stores: %w", cerr)).ErrorOrNil()
		}
	}()

	pool := peers.NewPeerPool(logger.With("module", "peers"),
		peers.PoolOptions{
			MaxRequestsPerPeer: conf.Sync.MaxConcurrentRequests,
			BanDuration:        conf.Sync.PeerBanDuration,
		}, metrics.peers)
	if conf.SimNet.Peers > 0 {
		sim := simnet.NewNetwork(*conf.SimNet)
		if err := sim.Populate(pool); err != nil {
			return err
		}
		logger.Info("simulated network ready",
			"peers", conf.SimNet.Peers,
			"height", sim.Chain.Height(),
			"state_root", sim.Chain.StateRoot(),
		)
	}

	chainState := syncmode.NewStoreState(*conf.Sync, pool, dbs.blocks, dbs.receipts, dbs.state)
	selector := syncmode.NewMultiSelector(logger.With("module", "syncmode"), *conf.Sync, chainState)
	metrics.syncer.Mode.Set(float64(selector.Current()))
	selector.OnChange(metrics.syncer.ObserveMode)

	s, err := syncer.NewSynchronizer(logger, *conf.Sync, syncer.Dependencies{
		Blocks:          dbs.blocks,
		Receipts:        dbs.receipts,
		State:           dbs.state,
		Pool:            pool,
		Reputation:      pool,
		Selector:        selector,
		Validator:       validation.NewBlockValidator(validation.HashSeal{}),
		Metrics:         metrics.syncer,
		DispatchMetrics: metrics.dispatch,
		ReportMetrics:   metrics.report,
	})
	if err != nil {
		return fmt.Errorf("failed to create synchronizer: %w", err)
	}

	var listener net.Listener
	if conf.Instrumentation.Prometheus {
		listener, err = net.Listen("tcp", conf.Instrumentation.PrometheusListenAddr)
		if err != nil {
			return multierror.Append(fmt.Errorf("prometheus listener: %w", err), s.Close()).ErrorOrNil()
		}
		if n := conf.Instrumentation.MaxOpenConnections; n > 0 {
			listener = netutil.LimitListener(listener, n)
		}
	}

	abort := func(err error) error {
		if listener != nil {
			_ = listener.Close()
		}
		return multierror.Append(err, s.Close()).ErrorOrNil()
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := selector.Start(ctx); err != nil {
		return abort(fmt.Errorf("failed to start sync mode selector: %w", err))
	}
	if err := s.Start(ctx); err != nil {
		if serr := selector.Stop(); serr != nil {
			logger.Error("failed to stop sync mode selector", "err", serr)
		}
		return abort(fmt.Errorf("failed to start synchronizer: %w", err))
	}
	logger.Info("started synchronizer", "mode", selector.Current(), "session", s.Session())

	if listener != nil {
		srv := newPrometheusServer(listener.Addr().String())
		logger.Info("serving prometheus metrics", "addr", srv.Addr)
		g.Go(func() error {
			if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("prometheus server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("stopping synchronizer")
		return s.Stop()
	})
	g.Go(func() error {
		s.Wait()
		return nil
	})

	err = g.Wait()
	if serr := selector.Stop(); serr != nil && !errors.Is(serr, service.ErrAlreadyStopped) {
		logger.Error("failed to stop sync mode selector", "err", serr)
	}
	return multierror.Append(err, s.Close()).ErrorOrNil()
}

func newPrometheusServer(addr string) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
