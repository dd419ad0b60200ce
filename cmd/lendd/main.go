package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/config"
	"github.com/luxfi/lend/pkg/events"
	lendgrpc "github.com/luxfi/lend/pkg/grpc"
	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/metrics"
	"github.com/luxfi/lend/pkg/store"
	"github.com/luxfi/lend/pkg/swap"
	"github.com/luxfi/lend/pkg/token"
	"github.com/luxfi/lend/pkg/websocket"
)

type LendNode struct {
	config *config.Config
	logger log.Logger

	store   *store.Store
	pool    *lending.Pool
	value   *token.Memory
	coll    *token.Memory
	venue   *swap.ConstantProduct
	metrics *metrics.PoolMetrics
	ws      *websocket.Server
	grpc    *lendgrpc.Server
	nats    *nats.Conn
	// loaded is set once the stored state is in the pool; only then may
	// Shutdown write the pool back.
	loaded bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLendNode(cfg *config.Config) (*LendNode, error) {
	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := log.NewTestLogger(level)
	logger.Info("Initializing lend node")

	poolCfg, err := cfg.LendingConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.StoreConfig(), logger)
	if err != nil {
		return nil, err
	}

	n := &LendNode{
		config:  cfg,
		logger:  logger,
		store:   db,
		value:   token.NewMemory(cfg.Pool.ValueToken.Symbol),
		coll:    token.NewMemory(cfg.Pool.CollateralToken.Symbol),
		metrics: metrics.NewPoolMetrics("lend"),
	}

	var venue swap.Venue
	if cfg.Dev.Enabled {
		if err := n.seedVenue(); err != nil {
			db.Close()
			return nil, err
		}
		venue = n.venue
	}

	// The gRPC and WebSocket servers need the pool for reads, and the pool
	// needs them as publishers; both only touch the pool off the publish path.
	var pool *lending.Pool
	n.ws = websocket.NewServer(statsFunc(func() lending.Stats { return pool.Stats() }), logger, websocket.DefaultConfig())

	publishers := events.Fanout{n.metrics, n.ws}
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		n.nats = nc
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger))
		logger.Info("Publishing events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	publishers = append(publishers, events.PublisherFunc(func(ev events.Event) { n.grpc.Publish(ev) }))

	pool, err = lending.NewPool(poolCfg, n.value, n.coll, venue,
		lending.WithLogger(logger),
		lending.WithPublisher(publishers),
		lending.WithJournal(db),
	)
	if err != nil {
		n.closeResources()
		return nil, err
	}
	n.pool = pool
	n.grpc = lendgrpc.NewServer(pool, logger, n.metrics)

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

type statsFunc func() lending.Stats

func (f statsFunc) Stats() lending.Stats { return f() }

// seedVenue mints the configured reserves straight to the dev venue.
func (n *LendNode) seedVenue() error {
	v := n.config.Dev.Venue
	venue, err := swap.NewConstantProduct(common.HexToAddress(v.Address), n.value, n.coll, v.FeeBps)
	if err != nil {
		return err
	}
	valueReserve, collReserve, err := n.config.VenueReserves()
	if err != nil {
		return err
	}
	if err := n.value.Mint(venue.Address(), valueReserve); err != nil {
		return err
	}
	if err := n.coll.Mint(venue.Address(), collReserve); err != nil {
		return err
	}
	n.venue = venue
	n.logger.Info("Dev venue seeded",
		"address", venue.Address(),
		n.value.Symbol(), valueReserve,
		n.coll.Symbol(), collReserve,
		"feeBps", v.FeeBps)
	return nil
}

// loadState restores the pool from the store, or writes the fresh pool so
// later operations have a base to journal against.
func (n *LendNode) loadState() error {
	state, found, err := n.store.Load()
	if err != nil {
		return err
	}
	if !found {
		n.logger.Info("No previous state found, starting fresh")
		return n.store.Save(n.pool.Snapshot())
	}
	if err := n.pool.Restore(state); err != nil {
		return err
	}
	return n.fundCustody()
}

// fundCustody mints what the pool's custody address is owed after a restart.
// Token balances live in memory, so without this a restored pool could not pay
// out what its ledger says it holds.
func (n *LendNode) fundCustody() error {
	custody := n.pool.Config().Address
	st := n.pool.Stats()

	owed := []struct {
		tok  *token.Memory
		want *big.Int
	}{
		{n.value, new(big.Int).Add(st.TotalAvailable, st.TotalClaimable)},
		{n.coll, st.TotalCollateral},
	}
	for _, o := range owed {
		short := new(big.Int).Sub(o.want, o.tok.BalanceOf(custody))
		if short.Sign() <= 0 {
			continue
		}
		if err := o.tok.Mint(custody, short); err != nil {
			return err
		}
		n.logger.Info("Custody funded", "token", o.tok.Symbol(), "amount", short)
	}
	return nil
}

func (n *LendNode) Start() error {
	servers := n.config.Servers
	n.logger.Info("Starting lend node",
		"custody", n.pool.Config().Address,
		"broadcaster", n.pool.Config().Broadcaster,
		"http", servers.HTTP,
		"ws", servers.WS,
		"grpc", servers.GRPC,
		"metrics", servers.Metrics)

	if err := n.loadState(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	n.loaded = true

	if servers.Metrics != "" {
		n.wg.Add(1)
		go n.runMetricsServer()
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.metrics.CollectPoolMetrics(n.ctx, n.pool, servers.StatsInterval)
	}()
	go func() {
		defer n.wg.Done()
		n.metrics.CollectSystemMetrics(n.ctx)
	}()

	n.wg.Add(1)
	go n.printStats()

	if servers.HTTP != "" {
		n.wg.Add(1)
		go n.runJSONRPCServer()
	}

	n.ws.Run()
	if servers.WS != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.ws.Start(servers.WS); err != nil {
				n.logger.Error("WebSocket server error", "error", err)
			}
		}()
	}

	if servers.GRPC != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := lendgrpc.StartGRPCServer(n.ctx, servers.GRPC, n.grpc, n.logger); err != nil {
				n.logger.Error("gRPC server error", "error", err)
			}
		}()
	}

	n.logger.Info("Lend node started successfully")
	return nil
}

func (n *LendNode) runMetricsServer() {
	defer n.wg.Done()

	srv := n.metrics.StartServer(n.config.Servers.Metrics)
	<-n.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func (n *LendNode) runJSONRPCServer() {
	defer n.wg.Done()

	opts := []api.Option{
		api.WithUnits(api.Units{
			Value:      n.config.Pool.ValueToken.Decimals,
			Collateral: n.config.Pool.CollateralToken.Decimals,
		}),
		api.WithRecorder(n.metrics),
	}
	if n.config.Dev.Enabled && n.config.Dev.Faucet {
		opts = append(opts, api.WithFaucet())
	}
	server := api.NewJSONRPCServer(n.pool, n.logger, opts...)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", n.handleHealth)

	if err := api.StartJSONRPCServer(n.ctx, n.config.Servers.HTTP, mux, n.logger); err != nil {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *LendNode) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if _, err := n.store.HealthCheck(r.Context()); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	if err := n.pool.Verify(); err != nil {
		status, code = "corrupt", http.StatusInternalServerError
	}

	st := n.pool.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"positions": st.Positions,
		"openLoans": st.OpenLoans,
		"nextLoan":  st.NextLoanID,
	})
}

func (n *LendNode) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.Servers.StatsInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.metrics.LogMetrics(n.pool.Stats())
			n.logger.Debug("Lend node status",
				"uptime", time.Since(startTime).Round(time.Second),
				"wsClients", n.ws.GetStats()["clients"],
				"grpcStreams", n.grpc.Subscribers())
		}
	}
}

func (n *LendNode) Shutdown() {
	n.logger.Info("Shutting down lend node...")

	n.cancel()
	n.grpc.Close()
	n.ws.Stop()
	n.wg.Wait()

	if n.loaded {
		if err := n.store.Save(n.pool.Snapshot()); err != nil {
			n.logger.Error("Failed to save final state", "error", err)
		}
	}
	n.closeResources()

	n.logger.Info("Lend node shutdown complete")
}

func (n *LendNode) closeResources() {
	if n.nats != nil {
		if err := n.nats.Drain(); err != nil {
			n.logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("Failed to close store", "error", err)
	}
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults are used when empty)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	dataDir := flag.String("data-dir", "", "Data directory (relative to $HOME)")
	dbBackend := flag.String("db", "", "Database backend (memory, badger)")
	httpAddr := flag.String("http", "", "JSON-RPC listen address")
	wsAddr := flag.String("ws", "", "WebSocket listen address")
	grpcAddr := flag.String("grpc", "", "gRPC listen address")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen address")
	natsURL := flag.String("nats", "", "NATS server URL for event publishing")
	dev := flag.Bool("dev", false, "Seed a local swap venue and enable the token faucet")
	flag.Parse()

	rootLogger := log.Root()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			rootLogger.Crit("Failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "data-dir":
			cfg.DataDir = *dataDir
		case "db":
			cfg.DB.Backend = *dbBackend
		case "http":
			cfg.Servers.HTTP = *httpAddr
		case "ws":
			cfg.Servers.WS = *wsAddr
		case "grpc":
			cfg.Servers.GRPC = *grpcAddr
		case "metrics":
			cfg.Servers.Metrics = *metricsAddr
		case "nats":
			cfg.NATS.URL = *natsURL
		case "dev":
			cfg.Dev.Enabled = *dev
			cfg.Dev.Faucet = *dev
		}
	})
	if err := cfg.Validate(); err != nil {
		rootLogger.Crit("Invalid configuration", "error", err)
		os.Exit(1)
	}

	rootLogger.Info(`
╔══════════════════════════════════════════╗
║        LEND - Lux Lending Pool Node      ║
╚══════════════════════════════════════════╝`)

	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"db", cfg.DB.Backend,
		"store", cfg.StoreConfig().Path,
		"dev", cfg.Dev.Enabled)

	node, err := NewLendNode(cfg)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		node.Shutdown()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
