package gridstore

import (
	"context"
	"database/sql"
	"dca-grid-bot-go/internal/models"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// SQLStore keeps grids in three sqlite tables keyed by (symbol, position_side).
// Rows carry no ordering column; order is re-derived on read.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the database file and its tables.
func OpenSQLStore(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS price_grid (
			symbol TEXT NOT NULL,
			position_side TEXT NOT NULL,
			price REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_price_grid_key ON price_grid (symbol, position_side);`,
		`CREATE TABLE IF NOT EXISTS quantity_grid (
			symbol TEXT NOT NULL,
			position_side TEXT NOT NULL,
			quantity REAL NOT NULL,
			accumulated_quantity REAL NOT NULL,
			raw_quantity REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quantity_grid_key ON quantity_grid (symbol, position_side);`,
		`CREATE TABLE IF NOT EXISTS root_price (
			symbol TEXT NOT NULL,
			position_side TEXT NOT NULL,
			price REAL NOT NULL,
			PRIMARY KEY (symbol, position_side)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// replace runs delete+insert for one key inside a transaction.
func (s *SQLStore) replace(ctx context.Context, table, symbol string, side models.PositionSide, insert func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE symbol = ? AND position_side = ?`, symbol, string(side)); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if err := insert(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return tx.Commit()
}

func (s *SQLStore) StorePrices(ctx context.Context, symbol string, side models.PositionSide, prices []models.PriceLevel) error {
	return s.replace(ctx, "price_grid", symbol, side, func(tx *sql.Tx) error {
		for _, p := range prices {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO price_grid (symbol, position_side, price) VALUES (?, ?, ?)`,
				symbol, string(side), p.Price); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) GetPrices(ctx context.Context, symbol string, side models.PositionSide) ([]models.PriceLevel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT price FROM price_grid WHERE symbol = ? AND position_side = ?`, symbol, string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var prices []models.PriceLevel
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		prices = append(prices, models.PriceLevel{PositionSide: side, Price: p})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models.SortPrices(side, prices), nil
}

func (s *SQLStore) StoreQuantities(ctx context.Context, symbol string, side models.PositionSide, quantities []models.QuantityRecord) error {
	return s.replace(ctx, "quantity_grid", symbol, side, func(tx *sql.Tx) error {
		for _, q := range quantities {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO quantity_grid (symbol, position_side, quantity, accumulated_quantity, raw_quantity) VALUES (?, ?, ?, ?, ?)`,
				symbol, string(side), q.Quantity, q.AccumulatedQuantity, q.RawQuantity); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) GetQuantities(ctx context.Context, symbol string, side models.PositionSide) ([]models.QuantityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT quantity, accumulated_quantity, raw_quantity FROM quantity_grid WHERE symbol = ? AND position_side = ?`,
		symbol, string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to query quantities: %w", err)
	}
	defer rows.Close()

	var quantities []models.QuantityRecord
	for rows.Next() {
		var q models.QuantityRecord
		if err := rows.Scan(&q.Quantity, &q.AccumulatedQuantity, &q.RawQuantity); err != nil {
			return nil, fmt.Errorf("failed to scan quantity row: %w", err)
		}
		quantities = append(quantities, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models.SortQuantities(quantities), nil
}

func (s *SQLStore) StoreRootPrice(ctx context.Context, symbol string, side models.PositionSide, price float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO root_price (symbol, position_side, price) VALUES (?, ?, ?)
		 ON CONFLICT(symbol, position_side) DO UPDATE SET price = excluded.price`,
		symbol, string(side), price)
	return err
}

func (s *SQLStore) GetRootPrice(ctx context.Context, symbol string, side models.PositionSide) (float64, error) {
	var price float64
	err := s.db.QueryRowContext(ctx,
		`SELECT price FROM root_price WHERE symbol = ? AND position_side = ?`, symbol, string(side)).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return price, err
}

func (s *SQLStore) Reset(ctx context.Context, symbol string, side models.PositionSide) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, table := range []string{"price_grid", "quantity_grid", "root_price"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE symbol = ? AND position_side = ?`, symbol, string(side)); err != nil {
			tx.Rollback()
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, position_side FROM price_grid
		UNION SELECT symbol, position_side FROM quantity_grid
		UNION SELECT symbol, position_side FROM root_price`)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		var side string
		if err := rows.Scan(&k.Symbol, &side); err != nil {
			return nil, err
		}
		k.PositionSide = models.PositionSide(side)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
