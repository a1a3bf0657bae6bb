// Command aura-node runs one device's account agent: it restores the journal
// from durable storage, joins the account's NATS subjects, serves anti-entropy
// rounds, and sweeps expired sessions until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/aura-dev/aura/pkg/agent"
	"github.com/aura-dev/aura/pkg/antientropy"
	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/crypto"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/effects/host"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/observability"
	"github.com/aura-dev/aura/pkg/store"
	"github.com/aura-dev/aura/pkg/transport"
	"github.com/aura-dev/aura/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("aura-node failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "aura.yaml", "path to node configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyEnvOverrides(&cfg)

	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "node")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	account, err := parseAccount(cfg.AccountHex)
	if err != nil {
		return err
	}
	priv, pub, err := loadDeviceKey(cfg.KeyFile)
	if err != nil {
		return err
	}

	suite := crypto.NewSuite(host.OSRandom{})
	device := types.AuthorityID(suite.Hash(pub))
	log.Info("starting", "account", account, "device", device)

	obs, err := observability.New(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	storage, closeStorage, err := store.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	if closeStorage != nil {
		defer func() { _ = closeStorage() }()
	}

	set := authority.NewSet()
	j := journal.New(account, storage, fact.DefaultRegistry(),
		&journal.SetAuthorizer{Set: set, Crypto: suite},
		journal.WithObserver(journal.TrackSet(set)),
		journal.WithLogger(log.With("component", "journal")),
	)
	restored, err := j.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring journal: %w", err)
	}
	log.Info("journal restored", "events", restored, "epoch", j.Epoch())

	if err := bootstrapDevice(ctx, j, set, device, pub); err != nil {
		return err
	}

	archive, err := store.NewCheckpointArchive(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("opening checkpoint archive: %w", err)
	}
	if archive != nil {
		j.AddObserver(archive.ExportOnCheckpoint(j, log.With("component", "archive")))
		log.Info("checkpoint archive enabled", "bucket", cfg.Archive.S3Bucket)
	}

	network, err := transport.Dial(cfg.NATSURL, account, device)
	if err != nil {
		return fmt.Errorf("dialing NATS: %w", err)
	}
	defer func() { _ = network.Close() }()

	group := types.ContextID(account)
	if err := network.Join(group); err != nil {
		return fmt.Errorf("joining account group: %w", err)
	}

	clock := host.SystemClock{}
	presence := transport.NewPresence(network.Conn(), account, device, clock, cfg.Rendezvous)
	defer presence.Close()
	if err := presence.Join(group); err != nil {
		return fmt.Errorf("joining presence group: %w", err)
	}

	fx := &effects.Effects{
		Time:       clock,
		Random:     host.OSRandom{},
		Crypto:     suite,
		Storage:    storage,
		Network:    network,
		Rendezvous: presence,
	}

	runtime, err := agent.New(device, priv, fx, j, set, cfg.Agent,
		agent.WithLogger(log.With("component", "agent")),
		agent.WithObservability(obs))
	if err != nil {
		return fmt.Errorf("building agent runtime: %w", err)
	}

	syncRate := rate.Inf
	if cfg.Sync.RatePerMinute > 0 {
		syncRate = rate.Limit(float64(cfg.Sync.RatePerMinute) / 60.0)
	}
	syncer := antientropy.New(device, j, network,
		antientropy.WithLogger(log.With("component", "sync")),
		antientropy.WithRate(syncRate, 1),
		antientropy.WithObservability(obs),
		antientropy.WithEnvelopeHandler(runtime.HandleEnvelope),
		antientropy.WithDigestObserver(runtime.DigestObserved),
	)
	// Ceremony frames ride the sync stream.
	runtime.UseTransport(syncer)

	errc := make(chan error, 3)
	go func() { errc <- syncer.Serve(ctx) }()
	go func() { errc <- runtime.RunSweeper(ctx) }()
	go func() { errc <- runSyncRounds(ctx, cfg.Sync, group, fx, syncer, log) }()

	log.Info("ready", "nats", cfg.NATSURL, "storage", cfg.Storage.Backend)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	log.Info("shutting down")
	return nil
}

// bootstrapDevice registers the local device on a brand-new account. An
// account with any registered authority is left alone; joining an existing
// account goes through a membership ceremony instead.
func bootstrapDevice(ctx context.Context, j *journal.Journal, set *authority.Set, device types.AuthorityID, pub []byte) error {
	if _, err := set.Get(device); err == nil {
		return nil
	}
	if len(set.Active()) > 0 {
		return fmt.Errorf("device %s is not a member of this account", device)
	}
	_, err := j.Append(ctx, &journal.Event{
		Account:   j.Account(),
		Authority: device,
		Payload: &journal.AuthorityRegistered{
			Authority: device,
			PublicKey: pub,
			Caps:      uint64(capability.Top),
			Role:      "device",
		},
		Auth: journal.Authorization{Tag: journal.AuthTagLifecycle},
	})
	if err != nil {
		return fmt.Errorf("bootstrapping device: %w", err)
	}
	return nil
}

// runSyncRounds periodically reconciles with one discovered peer.
func runSyncRounds(ctx context.Context, cfg config.SyncConfig, group types.ContextID, fx *effects.Effects, syncer *antientropy.Syncer, log *slog.Logger) error {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		peers, err := fx.Rendezvous.DiscoverPeers(ctx, group)
		if err != nil {
			log.Warn("peer discovery failed", "err", err)
			continue
		}
		if len(peers) == 0 {
			continue
		}
		peer := peers[next%len(peers)]
		next++

		stats, err := syncer.SyncWith(ctx, peer)
		if err != nil {
			log.Warn("sync round failed", "peer", peer, "err", err)
			continue
		}
		log.Debug("sync round complete", "peer", peer,
			"events", stats.EventsApplied, "facts", stats.FactsMerged)
	}
}

func parseAccount(hexID string) (types.AccountID, error) {
	h, err := types.ParseHash32(strings.TrimSpace(hexID))
	if err != nil {
		return types.AccountID{}, fmt.Errorf("parsing account id: %w", err)
	}
	return types.AccountID(h), nil
}

// loadDeviceKey reads a hex-encoded Ed25519 seed and expands it to the full
// private key.
func loadDeviceKey(path string) (priv, pub []byte, err error) {
	if path == "" {
		return nil, nil, errors.New("key_file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding key file: %w", err)
	}
	return crypto.ExpandSeed(seed)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func applyEnvOverrides(cfg *config.NodeConfig) {
	if v := os.Getenv("AURA_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("AURA_ACCOUNT"); v != "" {
		cfg.AccountHex = v
	}
	if v := os.Getenv("AURA_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("AURA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AURA_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
		cfg.Observability.Enabled = true
	}
}
