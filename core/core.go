// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package core wires the settlement suite together: the value ledger, the
// relayer allowlist, the price oracle, and the three registries share one
// database and one logger.
package core

import (
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/settlement/bank"
	"github.com/luxfi/settlement/fixing"
	"github.com/luxfi/settlement/oracle"
	"github.com/luxfi/settlement/relayer"
	"github.com/luxfi/settlement/session"
	"github.com/luxfi/settlement/zap"
)

// Config carries the suite-level knobs. Everything not set here uses the
// component defaults.
type Config struct {
	Admin         common.Address
	OriginChainID uint32

	// Session ledger denomination and spent-value sink.
	SessionToken     common.Address
	SessionCollector common.Address
}

// Core is the assembled settlement suite.
type Core struct {
	Bank     *bank.Bank
	Relayers *relayer.Set
	Oracle   *oracle.AMMOracle
	Pools    *oracle.MemoryPoolSource

	Zaps     *zap.Registry
	Sessions *session.Ledger
	Fixings  *fixing.Registry

	log log.Logger
}

// New assembles the suite over a single database. All components reload
// their persisted state, so constructing over an existing database resumes
// where the previous process stopped.
func New(db database.Database, cfg Config, logger log.Logger) (*Core, error) {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}

	vault, err := bank.New(db, cfg.Admin)
	if err != nil {
		return nil, err
	}
	relayers, err := relayer.New(db, cfg.Admin)
	if err != nil {
		return nil, err
	}

	pools := oracle.NewMemoryPoolSource()
	priceOracle := oracle.NewAMMOracle(pools)

	zaps, err := zap.NewRegistry(db, vault, relayers, cfg.OriginChainID, logger)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewLedger(db, vault, cfg.Admin, cfg.SessionToken, cfg.SessionCollector, logger)
	if err != nil {
		return nil, err
	}
	fixings, err := fixing.NewRegistry(db, priceOracle, relayers, logger)
	if err != nil {
		return nil, err
	}

	c := &Core{
		Bank:     vault,
		Relayers: relayers,
		Oracle:   priceOracle,
		Pools:    pools,
		Zaps:     zaps,
		Sessions: sessions,
		Fixings:  fixings,
		log:      logger,
	}
	c.log.Info("settlement suite ready", "admin", cfg.Admin, "chain", cfg.OriginChainID)
	return c, nil
}
