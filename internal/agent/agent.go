package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/ntbqp/internal/config"
	"github.com/yuuki/ntbqp/internal/ntb"
	"github.com/yuuki/ntbqp/internal/pingpong"
	"github.com/yuuki/ntbqp/internal/state"
	"github.com/yuuki/ntbqp/internal/telemetry"
	"github.com/yuuki/ntbqp/internal/transport"
)

const statsLogInterval = 30 * time.Second

// Agent runs a transport on each side of a simulated NTB pair with
// ping-pong traffic over its queue pairs
type Agent struct {
	config    *config.Config
	nodeState *state.NodeState
	pair      *ntb.SimPair
	pingers   []*pingpong.Peer
	echoers   []*pingpong.Peer
	metrics   *telemetry.Metrics
}

// New creates the device pair and binds a transport to each side. The link
// stays down until Run.
func New(cfg *config.Config) (*Agent, error) {
	// Initialize logging
	initLogging(cfg.LogLevel)

	log.Debug().Msg("Creating new agent instance")

	pair, err := ntb.NewSimPair(cfg.Device.ToSim())
	if err != nil {
		return nil, fmt.Errorf("failed to create device pair: %w", err)
	}

	a := &Agent{
		config:    cfg,
		nodeState: state.NewNodeState(cfg.NodeName),
		pair:      pair,
	}

	for _, dev := range []*ntb.SimDevice{pair.A, pair.B} {
		var opts []transport.Option
		if cfg.Transport.UseDMA {
			opts = append(opts, transport.WithDMAProvider(ntb.NewSimDMA(cfg.Transport.DMAAlign)))
		}
		t, err := transport.New(dev, cfg.Transport.ToTransport(), opts...)
		if err != nil {
			_ = a.nodeState.Close()
			return nil, fmt.Errorf("failed to create transport on %s: %w", dev.Name(), err)
		}
		if err := a.nodeState.Register(t); err != nil {
			_ = t.Close()
			_ = a.nodeState.Close()
			return nil, err
		}
	}

	log.Debug().Str("node", cfg.NodeName).Msg("Agent instance created")
	return a, nil
}

// State returns the registry of the agent's transports
func (a *Agent) State() *state.NodeState {
	return a.nodeState
}

// Run brings the link up and serves until ctx is done or the process is
// signalled, then shuts everything down.
func (a *Agent) Run(ctx context.Context) error {
	log.Debug().Msg("Running agent")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.start(ctx); err != nil {
		a.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	for _, p := range a.pingers {
		g.Go(func() error {
			a.resultHandler(gctx, p)
			return nil
		})
	}

	if a.config.Flap.IntervalMS > 0 {
		g.Go(func() error {
			a.flapLoop(gctx, time.Duration(a.config.Flap.IntervalMS)*time.Millisecond)
			return nil
		})
	}

	g.Go(func() error {
		a.statsLogger(gctx)
		return nil
	})

	log.Info().Str("node", a.config.NodeName).Msg("Agent started successfully")

	err := g.Wait()
	a.Stop()
	return err
}

func (a *Agent) start(ctx context.Context) error {
	// Initialize metrics if enabled
	if a.config.Metrics.Enabled {
		m, err := telemetry.NewMetrics(ctx, a.config.NodeName, a.config.Metrics.OtelCollectorAddr, a.nodeState)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			a.metrics = m
			log.Info().
				Str("node", a.config.NodeName).
				Str("collector_addr", a.config.Metrics.OtelCollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	if a.config.PingPong.Enabled {
		if err := a.startPingPong(ctx); err != nil {
			return err
		}
	}

	a.pair.SetLinkUp(true)
	return nil
}

// startPingPong pairs a pinging peer on the first transport with an echo
// peer on the second for each configured queue.
func (a *Agent) startPingPong(ctx context.Context) error {
	transports := a.nodeState.GetTransports()
	if len(transports) != 2 {
		return fmt.Errorf("expected 2 transports, got %d", len(transports))
	}

	pp := a.config.PingPong
	cfg := pingpong.Config{
		RatePerSecond: pp.RatePerSecond,
		PayloadSize:   pp.PayloadSize,
		Timeout:       time.Duration(pp.TimeoutMS) * time.Millisecond,
		RxBuffers:     a.config.Transport.RxEntries / 2,
	}
	echoCfg := cfg
	echoCfg.RatePerSecond = 0

	var recorder pingpong.Recorder
	if a.metrics != nil {
		recorder = a.metrics
	}

	for i := 0; i < pp.Queues; i++ {
		pinger, err := pingpong.New(transports[0], cfg, recorder)
		if err != nil {
			return fmt.Errorf("failed to create pinger %d: %w", i, err)
		}
		a.pingers = append(a.pingers, pinger)

		echoer, err := pingpong.New(transports[1], echoCfg, nil)
		if err != nil {
			return fmt.Errorf("failed to create echo peer %d: %w", i, err)
		}
		a.echoers = append(a.echoers, echoer)

		echoer.Start(ctx)
		pinger.Start(ctx)
	}

	log.Debug().Int("queues", pp.Queues).Msg("Ping-pong peers started")
	return nil
}

func (a *Agent) resultHandler(ctx context.Context, p *pingpong.Peer) {
	log.Debug().Int("qp", p.QP().Num()).Msg("Result handler started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Result handler stopping due to context cancellation")
			return
		case r, ok := <-p.Results():
			if !ok {
				return
			}
			switch r.Status {
			case pingpong.StatusOK:
				log.Debug().
					Int("qp", r.QP).
					Uint32("seq", r.Seq).
					Float64("rtt_us", float64(r.RTT.Nanoseconds())/1000.0).
					Msg("Received ping result")
			case pingpong.StatusTimeout:
				log.Warn().Int("qp", r.QP).Uint32("seq", r.Seq).Msg("Ping timed out")
			default:
				log.Debug().Err(r.Err).Int("qp", r.QP).Uint32("seq", r.Seq).Msg("Ping failed")
			}
		}
	}
}

// flapLoop drops and restores the hardware link once per interval.
func (a *Agent) flapLoop(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Link flap injector started")

	limiter := ratelimit.New(1, ratelimit.Per(interval), ratelimit.WithoutSlack)
	limiter.Take()
	for {
		limiter.Take()
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.pair.Flap(1)
		if a.metrics != nil {
			a.metrics.RecordLinkFlap(ctx)
		}
		log.Debug().Msg("Injected link flap")
	}
}

func (a *Agent) statsLogger(ctx context.Context) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range a.nodeState.QueueStats() {
				log.Info().
					Str("transport", s.Transport).
					Int("qp", s.QP).
					Bool("up", s.LinkUp).
					Uint8("round", s.Round).
					Uint64("rx_pkts", s.RxPkts).
					Uint64("tx_pkts", s.TxPkts).
					Uint64("tx_ring_full", s.TxRingFull).
					Uint64("rx_stale", s.RxStale).
					Msg("Queue stats")
			}
		}
	}
}

// Stop closes the peers, the transports and the metrics exporter. It is
// safe to call more than once.
func (a *Agent) Stop() {
	log.Debug().Msg("Stopping agent")

	for _, p := range a.pingers {
		p.Close()
	}
	for _, p := range a.echoers {
		p.Close()
	}

	if err := a.nodeState.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close transports")
	}
	a.pair.SetLinkUp(false)

	if a.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
		a.metrics = nil
	}

	log.Info().Msg("Agent stopped")
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Set log level based on config
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
