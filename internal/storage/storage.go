// Package storage opens the ledger and audit backends selected by config.
package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/tokligence/credit-gateway/internal/audit"
	"github.com/tokligence/credit-gateway/internal/audit/async"
	auditpg "github.com/tokligence/credit-gateway/internal/audit/postgres"
	auditsqlite "github.com/tokligence/credit-gateway/internal/audit/sqlite"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/ledger"
	ledgerpg "github.com/tokligence/credit-gateway/internal/ledger/postgres"
	ledgersqlite "github.com/tokligence/credit-gateway/internal/ledger/sqlite"
)

// Ledger is a ledger.Store that can report its liveness.
type Ledger interface {
	ledger.Store
	Ping(ctx context.Context) error
}

// Audit is an audit.Store that can report its liveness.
type Audit interface {
	audit.Store
	Ping(ctx context.Context) error
}

// OpenLedger opens the ledger named by cfg.LedgerDriver.
func OpenLedger(cfg config.Config) (Ledger, error) {
	switch cfg.LedgerDriver {
	case "", "sqlite":
		store, err := ledgersqlite.New(cfg.LedgerDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := ledgerpg.New(cfg.LedgerDSN, ledgerpg.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.LedgerDriver)
	}
}

// OpenAudit opens the audit store named by cfg.AuditDriver.
func OpenAudit(cfg config.Config) (Audit, error) {
	switch cfg.AuditDriver {
	case "", "sqlite":
		store, err := auditsqlite.New(cfg.AuditDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit: %w", err)
		}
		return store, nil
	case "postgres":
		pool := auditpg.DefaultConfig()
		if cfg.DBMaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.DBMaxOpenConns
		}
		if cfg.DBMaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.DBMaxIdleConns
		}
		if cfg.DBConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.DBConnMaxLifetime
		}
		store, err := auditpg.New(cfg.AuditDSN, pool)
		if err != nil {
			return nil, fmt.Errorf("open postgres audit: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.AuditDriver)
	}
}

// BufferedAudit wraps store in the batching writer when cfg.AuditAsync is
// set. Closing the result flushes queued records and closes store.
func BufferedAudit(store Audit, cfg config.Config, onDrop func(), onError func(error)) audit.Store {
	if !cfg.AuditAsync {
		return store
	}
	return async.New(store, async.Config{
		BatchSize:     cfg.AuditBatchSize,
		FlushInterval: cfg.AuditFlushInterval,
		ChannelBuffer: cfg.AuditBuffer,
		Logger:        log.New(log.Writer(), "[audit/async] ", log.LstdFlags|log.Lmicroseconds),
		OnDrop:        onDrop,
		OnError:       onError,
	})
}
