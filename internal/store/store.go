// Package store persists engine state in sqlite: open positions, fills,
// terminal orders, and per-strategy state snapshots. The engine reloads
// all of it on startup so a restart resumes from the last durable state.
//
// Monetary values are stored as decimal strings, never floats, so a
// round trip through the database cannot change a price.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"tradecore/pkg/types"
)

const migrationV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

CREATE TABLE IF NOT EXISTS positions (
	account      TEXT NOT NULL,
	venue        TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	qty          TEXT NOT NULL,
	avg_entry_px TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	updated_ts   INTEGER NOT NULL,
	PRIMARY KEY (account, symbol)
);

CREATE TABLE IF NOT EXISTS fills (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	account  TEXT NOT NULL,
	order_id TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	side     TEXT NOT NULL,
	px       TEXT NOT NULL,
	qty      TEXT NOT NULL,
	fee      TEXT NOT NULL,
	ts_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_account_ts ON fills(account, ts_ms);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	venue            TEXT NOT NULL,
	account          TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	qty              TEXT NOT NULL,
	limit_px         TEXT NOT NULL,
	filled_qty       TEXT NOT NULL,
	avg_fill_px      TEXT NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL,
	created_ts       INTEGER NOT NULL,
	updated_ts       INTEGER NOT NULL,
	parent_signal_id TEXT NOT NULL,
	slice_of         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_ts ON orders(symbol, updated_ts);

CREATE TABLE IF NOT EXISTS strategy_state (
	strategy_id TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	updated_ts  INTEGER NOT NULL
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// Store wraps the sqlite connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path with WAL mode and
// a busy timeout, then runs pending schema migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.E(types.KindConfig, "store.open", fmt.Errorf("create dir: %w", err))
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, types.E(types.KindConfig, "store.open", fmt.Errorf("open database: %w", err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.E(types.KindConfig, "store.open", fmt.Errorf("ping database: %w", err))
	}
	db.SetMaxOpenConns(1) // single writer; WAL readers share the connection

	if err := migrate(db); err != nil {
		db.Close()
		return nil, types.E(types.KindInternal, "store.open", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// migrate applies schema versions the database has not seen yet. Each
// batch is idempotent, so a crash between the DDL and the version row
// is repaired on the next open.
func migrate(db *sql.DB) error {
	version := 0
	// Scan fails on a fresh database where schema_version does not exist
	// yet; version stays 0 and the first batch runs.
	db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		if _, err := db.Exec(migrationV1); err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// UpsertPosition writes the folded position for (account, symbol). Flat
// positions are kept: their realized PnL feeds day-loss recovery.
func (s *Store) UpsertPosition(p types.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (account, venue, symbol, qty, avg_entry_px, realized_pnl, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, symbol) DO UPDATE SET
			venue = excluded.venue,
			qty = excluded.qty,
			avg_entry_px = excluded.avg_entry_px,
			realized_pnl = excluded.realized_pnl,
			updated_ts = excluded.updated_ts`,
		p.Account, p.Venue, p.Symbol,
		p.Qty.String(), p.AvgEntryPx.String(), p.RealizedPnL.String(), p.UpdatedTs,
	)
	if err != nil {
		return types.E(types.KindInternal, "store.upsert_position", err)
	}
	return nil
}

// Positions returns every stored position for an account, including flat
// ones.
func (s *Store) Positions(account string) ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT account, venue, symbol, qty, avg_entry_px, realized_pnl, updated_ts
		FROM positions WHERE account = ? ORDER BY symbol`, account)
	if err != nil {
		return nil, types.E(types.KindInternal, "store.positions", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var qty, avg, pnl string
		if err := rows.Scan(&p.Account, &p.Venue, &p.Symbol, &qty, &avg, &pnl, &p.UpdatedTs); err != nil {
			return nil, types.E(types.KindInternal, "store.positions", err)
		}
		if p.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, types.Ef(types.KindIntegrity, "store.positions", "corrupt qty %q for %s/%s", qty, p.Account, p.Symbol)
		}
		if p.AvgEntryPx, err = decimal.NewFromString(avg); err != nil {
			return nil, types.Ef(types.KindIntegrity, "store.positions", "corrupt avg_entry_px %q for %s/%s", avg, p.Account, p.Symbol)
		}
		if p.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, types.Ef(types.KindIntegrity, "store.positions", "corrupt realized_pnl %q for %s/%s", pnl, p.Account, p.Symbol)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.E(types.KindInternal, "store.positions", err)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// InsertFill appends one execution report.
func (s *Store) InsertFill(account string, f types.Fill) error {
	_, err := s.db.Exec(`
		INSERT INTO fills (account, order_id, symbol, side, px, qty, fee, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account, f.OrderID, f.Symbol, string(f.Side),
		f.Px.String(), f.Qty.String(), f.Fee.String(), f.TsMs,
	)
	if err != nil {
		return types.E(types.KindInternal, "store.insert_fill", err)
	}
	return nil
}

// FillsSince returns fills for an account at or after sinceMs in time
// order. Used to rebuild day PnL after a restart.
func (s *Store) FillsSince(account string, sinceMs int64) ([]types.Fill, error) {
	rows, err := s.db.Query(`
		SELECT order_id, symbol, side, px, qty, fee, ts_ms
		FROM fills WHERE account = ? AND ts_ms >= ? ORDER BY ts_ms ASC, seq ASC`, account, sinceMs)
	if err != nil {
		return nil, types.E(types.KindInternal, "store.fills_since", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.E(types.KindInternal, "store.fills_since", err)
	}
	return out, nil
}

func scanFill(rows *sql.Rows) (types.Fill, error) {
	var f types.Fill
	var side, px, qty, fee string
	if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &px, &qty, &fee, &f.TsMs); err != nil {
		return f, types.E(types.KindInternal, "store.scan_fill", err)
	}
	f.Side = types.Side(side)
	var err error
	if f.Px, err = decimal.NewFromString(px); err != nil {
		return f, types.Ef(types.KindIntegrity, "store.scan_fill", "corrupt px %q", px)
	}
	if f.Qty, err = decimal.NewFromString(qty); err != nil {
		return f, types.Ef(types.KindIntegrity, "store.scan_fill", "corrupt qty %q", qty)
	}
	if f.Fee, err = decimal.NewFromString(fee); err != nil {
		return f, types.Ef(types.KindIntegrity, "store.scan_fill", "corrupt fee %q", fee)
	}
	return f, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// RecordOrder upserts an order row. The executor calls this when an order
// reaches a terminal status; repeated calls with the same ID overwrite.
func (s *Store) RecordOrder(o types.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (id, client_id, symbol, venue, account, side, type, qty,
			limit_px, filled_qty, avg_fill_px, status, reason, created_ts, updated_ts,
			parent_signal_id, slice_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			avg_fill_px = excluded.avg_fill_px,
			status = excluded.status,
			reason = excluded.reason,
			updated_ts = excluded.updated_ts`,
		o.ID, o.ClientID, o.Symbol, o.Venue, o.Account, string(o.Side), string(o.Type),
		o.Qty.String(), o.LimitPx.String(), o.FilledQty.String(), o.AvgFillPx.String(),
		string(o.Status), o.Reason, o.CreatedTs, o.UpdatedTs, o.ParentSignalID, o.SliceOf,
	)
	if err != nil {
		return types.E(types.KindInternal, "store.record_order", err)
	}
	return nil
}

// Order loads one order by ID. Returns nil, nil when absent.
func (s *Store) Order(id string) (*types.Order, error) {
	row := s.db.QueryRow(`
		SELECT id, client_id, symbol, venue, account, side, type, qty, limit_px,
			filled_qty, avg_fill_px, status, reason, created_ts, updated_ts,
			parent_signal_id, slice_of
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OrdersBySymbol returns the most recent orders for a symbol.
func (s *Store) OrdersBySymbol(symbol string, limit int) ([]types.Order, error) {
	rows, err := s.db.Query(`
		SELECT id, client_id, symbol, venue, account, side, type, qty, limit_px,
			filled_qty, avg_fill_px, status, reason, created_ts, updated_ts,
			parent_signal_id, slice_of
		FROM orders WHERE symbol = ? ORDER BY updated_ts DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, types.E(types.KindInternal, "store.orders_by_symbol", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.E(types.KindInternal, "store.orders_by_symbol", err)
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanOrder(row rowScanner) (types.Order, error) {
	var o types.Order
	var side, typ, status, qty, limitPx, filled, avg string
	err := row.Scan(&o.ID, &o.ClientID, &o.Symbol, &o.Venue, &o.Account, &side, &typ,
		&qty, &limitPx, &filled, &avg, &status, &o.Reason, &o.CreatedTs, &o.UpdatedTs,
		&o.ParentSignalID, &o.SliceOf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, types.E(types.KindInternal, "store.scan_order", err)
	}
	o.Side, o.Type, o.Status = types.Side(side), types.OrderType(typ), types.OrderStatus(status)
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return o, types.Ef(types.KindIntegrity, "store.scan_order", "corrupt qty %q on %s", qty, o.ID)
	}
	if o.LimitPx, err = decimal.NewFromString(limitPx); err != nil {
		return o, types.Ef(types.KindIntegrity, "store.scan_order", "corrupt limit_px %q on %s", limitPx, o.ID)
	}
	if o.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return o, types.Ef(types.KindIntegrity, "store.scan_order", "corrupt filled_qty %q on %s", filled, o.ID)
	}
	if o.AvgFillPx, err = decimal.NewFromString(avg); err != nil {
		return o, types.Ef(types.KindIntegrity, "store.scan_order", "corrupt avg_fill_px %q on %s", avg, o.ID)
	}
	return o, nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy state
// ————————————————————————————————————————————————————————————————————————

// SaveStrategyState upserts a strategy's JSON state snapshot.
func (s *Store) SaveStrategyState(strategyID string, state json.RawMessage, tsMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO strategy_state (strategy_id, state, updated_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			state = excluded.state,
			updated_ts = excluded.updated_ts`,
		strategyID, string(state), tsMs,
	)
	if err != nil {
		return types.E(types.KindInternal, "store.save_strategy_state", err)
	}
	return nil
}

// LoadStrategyState returns the saved snapshot, or nil when the strategy
// has never persisted.
func (s *Store) LoadStrategyState(strategyID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM strategy_state WHERE strategy_id = ?`, strategyID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.E(types.KindInternal, "store.load_strategy_state", err)
	}
	return json.RawMessage(state), nil
}
