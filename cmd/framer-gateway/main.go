// Command framer-gateway runs the Framer event loop: it wires the concrete
// Bus, Session Identity Store, Library Registry, Gateway Sessions registry,
// Clock, and cluster-leadership collaborators, then drives DoWork() in a
// tight loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/spanner"

	"github.com/ocx/framer/internal/authstrategy"
	"github.com/ocx/framer/internal/bus"
	"github.com/ocx/framer/internal/clock"
	"github.com/ocx/framer/internal/commandbus"
	"github.com/ocx/framer/internal/config"
	"github.com/ocx/framer/internal/endpoint"
	"github.com/ocx/framer/internal/errs"
	"github.com/ocx/framer/internal/framer"
	"github.com/ocx/framer/internal/gatewaysession"
	"github.com/ocx/framer/internal/identitystore"
	"github.com/ocx/framer/internal/leader"
	"github.com/ocx/framer/internal/library"
	"github.com/ocx/framer/internal/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry)
	serveMetrics(registry, logger)

	f, acceptor := buildFramer(cfg, logger, collectors)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("framer-gateway starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
	runLoop(ctx, f)

	_ = acceptor
	if err := f.Close(); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	logger.Info("framer-gateway stopped")
}

// runLoop drives DoWork() every tick until ctx is cancelled, pacing ticks
// with idleStrategy.
func runLoop(ctx context.Context, f *framer.Framer) {
	idle := newIdleStrategy()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f.DoWork()
		idle.Idle()
	}
}

// serveMetrics exposes the Prometheus registry on :9100/metrics in the
// background, the same side-channel scrape surface the teacher's services
// expose for their own client_golang collectors.
func serveMetrics(reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(":9100", mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

func buildFramer(cfg *config.Config, logger *slog.Logger, collectors *metrics.Collectors) (*framer.Framer, *framer.TCPAcceptor) {
	clk := clock.System{}

	identityStore := identityStoreFor(cfg, logger)

	var leaderImpl leader.Leader = leader.NewStatic(true)
	if cfg.Cluster.LeaderSubscription != "" && !cfg.Cluster.StaticLeader {
		client, err := pubsub.NewClient(context.Background(), cfg.Cluster.NodeID)
		if err != nil {
			logger.Error("failed to create pubsub client, falling back to static leadership", "error", err)
		} else {
			sub := client.Subscription(cfg.Cluster.LeaderSubscription)
			leaderImpl = leader.NewPubSub(sub, cfg.Cluster.NodeID)
		}
	}

	var busImpl bus.Bus
	if cfg.Channel.BusURI != "" && cfg.Channel.BusURI != "local://" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Channel.BusURI})
		busImpl = bus.NewRedisBus(redisClient, "framer:publications", cfg.Channel.BusCapacity, cfg.Channel.RedisMaxLen)
	} else {
		busImpl = bus.NewLocalBus(cfg.Channel.BusCapacity)
	}

	sub := subscriptionFor(cfg, logger)

	authStrategy := authStrategyFor(cfg, logger)

	errHandler := errs.NewSlogHandler(logger)

	acceptor, err := framer.NewTCPAcceptor(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		logger.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}

	f := framer.New(framer.Config{
		Clock:           clk,
		Bus:             busImpl,
		IdentityStore:   identityStore,
		Libraries:       library.NewRegistry(),
		Sessions:        gatewaysession.NewRegistry(),
		Leader:          leaderImpl,
		Subscription:    sub,
		ErrHandler:      errHandler,
		EndpointFactory: endpoint.NewFactory(),
		Dialer:          framer.TCPDialer{},
		Acceptor:        acceptor,
		ReplyTimeoutMs:  cfg.Server.ReplyTimeoutMs,
		ReplayQuery:     framer.NoopReplayQuery{Logger: logger},
		Logger:          logger,
		Metrics:         collectors,
		AuthStrategy:    authStrategy,
	})
	return f, acceptor
}

// identityStoreFor selects the Session Identity Store backend (spec.md §6
// "SpannerStore ... for production dedup"), mirroring the Bus/Leader
// selector pattern: "spanner" dials a real Spanner client, anything else
// (including an unset backend) falls back to the in-memory store, the
// right default for a solo or test deployment.
func identityStoreFor(cfg *config.Config, logger *slog.Logger) identitystore.Store {
	if cfg.IdentityStore.Backend != "spanner" {
		return identitystore.NewMemoryStore()
	}
	client, err := spanner.NewClient(context.Background(), cfg.IdentityStore.SpannerDatabase)
	if err != nil {
		logger.Error("failed to create spanner client, falling back to in-memory identity store", "error", err)
		return identitystore.NewMemoryStore()
	}
	return identitystore.NewSpannerStore(client, cfg.IdentityStore.SpannerTable, cfg.IdentityStore.SpannerCounterTable)
}

// subscriptionFor selects the inbound command Subscription (spec.md §4.2:
// "ClusterableSubscription for cluster-replicated traffic"). An empty or
// "local://" library channel URI runs everything in-process; anything else
// is treated as a replication-service address and dials the Clusterable
// gRPC stream, falling back to in-process on dial failure so a
// misconfigured or momentarily unreachable replication service doesn't
// prevent the Framer from starting.
func subscriptionFor(cfg *config.Config, logger *slog.Logger) commandbus.Subscription {
	addr := cfg.Channel.LibraryChannelURI
	if addr == "" || addr == "local://" {
		return commandbus.NewLocal()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, stream, err := commandbus.DialReplicationStream(ctx, addr, cfg.Cluster.NodeID)
	if err != nil {
		logger.Error("failed to dial replication stream, falling back to in-process subscription", "error", err, "addr", addr)
		return commandbus.NewLocal()
	}
	clusterable, err := commandbus.DialClusterable(conn, stream, cfg.Channel.BusCapacity)
	if err != nil {
		logger.Error("failed to start clusterable subscription, falling back to in-process subscription", "error", err)
		_ = conn.Close()
		return commandbus.NewLocal()
	}
	return clusterable
}

// authStrategyFor selects the configured credential-verification strategy,
// wired into the Framer's Config and called synchronously from OnFrame.
func authStrategyFor(cfg *config.Config, logger *slog.Logger) authstrategy.Strategy {
	switch cfg.Auth.Strategy {
	case "spiffe":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		strategy, err := authstrategy.NewSpiffeStrategy(ctx, cfg.Auth.SpiffeSocket, cfg.Auth.SpiffeTrustDom, cfg.Auth.SpiffeAllowedIDs)
		if err != nil {
			logger.Error("failed to build spiffe auth strategy, falling back to bcrypt", "error", err)
			return authstrategy.NewBcryptStrategy(nil)
		}
		return strategy
	default:
		return authstrategy.NewBcryptStrategy(nil)
	}
}

// idleStrategy backs off from busy-spinning to short sleeps as ticks
// accumulate, so a solo Framer doesn't pin a CPU core at 100%. It does not
// see whether a tick did work and never resets: the first 100 ticks spin,
// the next 900 sleep 50µs each, and every later tick sleeps 1ms.
type idleStrategy struct {
	quietTicks int
}

func newIdleStrategy() *idleStrategy { return &idleStrategy{} }

func (s *idleStrategy) Idle() {
	s.quietTicks++
	switch {
	case s.quietTicks < 100:
		// busy-spin: most ticks under real load find work immediately.
	case s.quietTicks < 1000:
		time.Sleep(50 * time.Microsecond)
	default:
		time.Sleep(time.Millisecond)
	}
}
