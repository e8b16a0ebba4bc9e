package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"

	"rlfmarket/config"
	"rlfmarket/core/events"
	"rlfmarket/core/state"
	nativecommon "rlfmarket/native/common"
	"rlfmarket/native/market"
	"rlfmarket/observability"
	"rlfmarket/observability/logging"
	"rlfmarket/state/assets"
	"rlfmarket/state/bank"
	"rlfmarket/storage"
)

// marketAddress is the account the marketplace acts as when it moves items
// and funds. Sellers approve it as an operator; buyers grant it allowances.
var marketAddress = deriveMarketAddress()

func deriveMarketAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("rlfmarket/market-operator"))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

type app struct {
	cfg      *config.Config
	db       *storage.LevelDB
	state    *state.Manager
	engine   *market.Engine
	ledger   *bank.Ledger
	registry *assets.Registry
	logger   *slog.Logger
	closeLog func() error
}

func openApp(configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closeLog := logging.Setup("marketctl", cfg.Log.Env, logging.Options{
		Output:     stderr,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		closeLog()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("open state: %w", err)
	}
	mgr := state.NewManager(db)
	if err := state.EnsureStateVersion(mgr); err != nil {
		db.Close()
		closeLog()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		state:    mgr,
		ledger:   bank.NewLedger(mgr),
		registry: assets.NewRegistry(mgr),
		logger:   logger,
		closeLog: closeLog,
	}

	engine := market.NewEngine()
	engine.SetState(mgr)
	engine.SetPauses(nativecommon.Combine(mgr, cfg.Market.Pauses()))
	engine.SetRegistry(a.registry.ForOperator(marketAddress))
	engine.SetLedger(a.ledger.ForSpender(marketAddress))
	engine.SetLogger(logger)
	engine.SetNowFunc(func() int64 { return marketNow().Unix() })
	engine.SetEmitter(observability.CountingEmitter{Next: logEmitter{logger: logger}})
	engine.SetSettlementRetry(cfg.Market.SettlementRetries, cfg.Market.RetryBackoff())
	a.engine = engine

	if err := a.restoreMigrations(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// restoreMigrations re-registers the migration recorded for every upgrade so
// records written under older versions are migrated on read.
func (a *app) restoreMigrations() error {
	history, err := a.engine.Upgrades()
	if errors.Is(err, market.ErrNotInitialized) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, rec := range history {
		name, err := a.migrationName(rec.ToVersion)
		if err != nil {
			return err
		}
		migration, err := buildMigration(name)
		if err != nil {
			return fmt.Errorf("version %d: %w", rec.ToVersion, err)
		}
		a.engine.RegisterMigration(rec.ToVersion, migration)
	}
	return nil
}

func migrationKey(version uint32) []byte {
	return []byte("marketctl/migration/" + strconv.FormatUint(uint64(version), 10))
}

func (a *app) migrationName(version uint32) (string, error) {
	var name string
	if _, err := a.state.KVGet(migrationKey(version), &name); err != nil {
		return "", err
	}
	return name, nil
}

func (a *app) saveMigrationName(version uint32, name string) error {
	return a.state.KVPut(migrationKey(version), name)
}

// flushMetrics writes the default registry to the configured textfile.
func (a *app) flushMetrics() {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, prometheus.DefaultGatherer); err != nil {
		a.logger.Warn("write metrics textfile", slog.String("path", a.cfg.Metrics.Textfile), slog.Any("error", err))
	}
}

func (a *app) Close() {
	if a == nil {
		return
	}
	a.flushMetrics()
	if a.db != nil {
		a.db.Close()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// logEmitter writes every marketplace event as one structured log line.
// Account addresses are masked.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if l.logger == nil || evt == nil {
		return
	}
	args := []any{slog.String("type", evt.EventType())}
	if payload, ok := evt.(events.Payload); ok && payload.Event() != nil {
		attrs := payload.Event().Attributes
		keys := make([]string, 0, len(attrs))
		for key := range attrs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			args = append(args, logging.MaskField(key, attrs[key]))
		}
	}
	l.logger.Info("market event", args...)
}

func commandLogger(logger *slog.Logger, command string, caller [20]byte) *slog.Logger {
	return logger.With(slog.String("command", command), logging.MaskField("caller", strings.ToLower(hexAddr(caller))))
}
