// Package core — the node-wide execution context: a single Engine value
// constructed once at node start-up and threaded explicitly into every
// call site, instead of lazily-initialised package singletons.
package core

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"cascoin-core/pkg/config"
)

// Engine bundles every piece of node-wide state the block processor,
// interpreter, and RPC/CLI surface need: the persistent store, the trust
// graph view over it, the consensus-safety parameters, and the loaded
// configuration. One Engine is constructed per running node.
type Engine struct {
	Store      *Store
	TrustGraph *TrustGraph
	Safety     ConsensusSafetyParams
	Config     *config.Config
	Logger     *log.Logger

	// SessionID identifies one running node process in log lines; it has
	// no consensus meaning and is never persisted or hashed into state.
	SessionID uuid.UUID
}

// NewEngine constructs an Engine from a loaded configuration, opening (or
// creating) the on-disk store at cfg.Storage.DBPath.
func NewEngine(cfg *config.Config) (*Engine, error) {
	store, err := OpenStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("cvm engine: %w", err)
	}
	return newEngine(store, cfg), nil
}

// NewMemEngine constructs an in-memory Engine, for tests and deterministic
// replay.
func NewMemEngine(cfg *config.Config) *Engine {
	return newEngine(OpenMemStore(), cfg)
}

func newEngine(store *Store, cfg *config.Config) *Engine {
	tiers := DiscountTiers{}
	if len(cfg.Reputation.DiscountTierCutoffs) == 4 {
		cutoffs := cfg.Reputation.DiscountTierCutoffs
		tiers = DiscountTiers{Tier25: cutoffs[0], Tier50: cutoffs[1], Tier75: cutoffs[2], FreeGas: cutoffs[3]}
	}
	logger := log.StandardLogger()
	if cfg.Logging.Level != "" {
		if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		}
	}
	sessionID := uuid.New()
	logger.WithField("session", sessionID).Info("cvm engine initialised")
	return &Engine{
		Store:      store,
		TrustGraph: NewTrustGraph(store),
		Config:     cfg,
		Logger:     logger,
		SessionID:  sessionID,
		Safety: ConsensusSafetyParams{
			Discounts:         tiers,
			PerTxSubsidyMax:    cfg.Subsidy.PerTxMax,
			PerBlockSubsidyMax: cfg.Subsidy.PerBlockMax,
			FreeGasThreshold:   cfg.Reputation.FreeGasThreshold,
			FreeGasDailyMax:    cfg.Reputation.FreeGasDailyMax,
			FreeGasPoolTarget:  cfg.Subsidy.FreeGasPoolTarget,
			BlocksPerDay:       144, // ~10-minute blocks
		},
	}
}

func (eng *Engine) logger() *log.Logger {
	if eng.Logger != nil {
		return eng.Logger
	}
	return log.StandardLogger()
}

// Close releases the Engine's store handle.
func (eng *Engine) Close() error { return eng.Store.Close() }

// uint256FromU64 is a small constructor helper used wherever a uint64
// amount needs to enter the interpreter's 256-bit word stack.
func uint256FromU64(v uint64) *uint256.Int { return uint256.NewInt(v) }
