package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All units and notionals are stored as NUMERIC for exact decimal
// precision; nested unit maps ride in JSONB columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateBasket(ctx context.Context, b *model.Basket) error {
	components, defaultUnits, externalUnits, modules, err := marshalBasketColumns(b)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO baskets (address, manager, total_supply, components, default_units, external_units, modules, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		b.Address, b.Manager, b.TotalSupply.String(),
		components, defaultUnits, externalUnits, modules,
		b.Status, b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetBasket(ctx context.Context, address string) (*model.Basket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT address, manager, total_supply::TEXT, components, default_units, external_units, modules, status, created_at
		 FROM baskets WHERE address = $1`, address)

	b, err := scanBasket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: basket %s", ErrNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("get basket %s: %w", address, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBaskets(ctx context.Context) ([]model.Basket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, manager, total_supply::TEXT, components, default_units, external_units, modules, status, created_at
		 FROM baskets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var baskets []model.Basket
	for rows.Next() {
		b, err := scanBasket(rows)
		if err != nil {
			return nil, err
		}
		baskets = append(baskets, *b)
	}
	return baskets, rows.Err()
}

func (s *PostgresStore) UpdateBasket(ctx context.Context, b *model.Basket) error {
	components, defaultUnits, externalUnits, modules, err := marshalBasketColumns(b)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE baskets
		 SET manager = $2, total_supply = $3::NUMERIC,
		     components = $4, default_units = $5, external_units = $6, modules = $7,
		     status = $8
		 WHERE address = $1`,
		b.Address, b.Manager, b.TotalSupply.String(),
		components, defaultUnits, externalUnits, modules,
		b.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: basket %s", ErrNotFound, b.Address)
	}
	return nil
}

func (s *PostgresStore) GetVenueLedger(ctx context.Context, basket, component string) (*model.VenueLedger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT venue, adapter_id, units::TEXT
		 FROM staking_positions
		 WHERE basket = $1 AND component = $2
		 ORDER BY ord`, basket, component)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	l := model.NewVenueLedger()
	for rows.Next() {
		var venue, adapterID, unitsS string
		if err := rows.Scan(&venue, &adapterID, &unitsS); err != nil {
			return nil, err
		}
		u, _ := decimal.NewFromString(unitsS)
		l.Venues = append(l.Venues, venue)
		l.Positions[venue] = model.StakingPosition{AdapterID: adapterID, Units: u}
	}
	return l, rows.Err()
}

func (s *PostgresStore) PutVenueLedger(ctx context.Context, basket, component string, l *model.VenueLedger) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM staking_positions WHERE basket = $1 AND component = $2`,
		basket, component); err != nil {
		return err
	}
	for ord, venue := range l.Venues {
		p := l.Positions[venue]
		if _, err := tx.Exec(ctx,
			`INSERT INTO staking_positions (basket, component, venue, adapter_id, units, ord)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
			basket, component, venue, p.AdapterID, p.Units.String(), ord); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) HasOpenPositions(ctx context.Context, basket string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM staking_positions WHERE basket = $1)`,
		basket).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) InsertTradeRecord(ctx context.Context, r *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_records (id, basket, send_token, receive_token, adapter, net_send, net_receive, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		r.ID, r.Basket, r.SendToken, r.ReceiveToken, r.Adapter,
		r.NetSend.String(), r.NetReceive.String(), r.Fee.String(),
		r.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetTradeRecordsByBasket(ctx context.Context, basket string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, basket, send_token, receive_token, adapter,
		        net_send::TEXT, net_receive::TEXT, fee::TEXT, timestamp
		 FROM trade_records WHERE basket = $1 ORDER BY timestamp`, basket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var sendS, receiveS, feeS string
		if err := rows.Scan(&r.ID, &r.Basket, &r.SendToken, &r.ReceiveToken, &r.Adapter,
			&sendS, &receiveS, &feeS, &r.Timestamp); err != nil {
			return nil, err
		}
		r.NetSend, _ = decimal.NewFromString(sendS)
		r.NetReceive, _ = decimal.NewFromString(receiveS)
		r.Fee, _ = decimal.NewFromString(feeS)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- row helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func marshalBasketColumns(b *model.Basket) (components, defaultUnits, externalUnits, modules []byte, err error) {
	if components, err = json.Marshal(b.Components); err != nil {
		return
	}
	if defaultUnits, err = json.Marshal(b.DefaultUnits); err != nil {
		return
	}
	if externalUnits, err = json.Marshal(b.ExternalUnits); err != nil {
		return
	}
	modules, err = json.Marshal(b.Modules)
	return
}

func scanBasket(row pgxRow) (*model.Basket, error) {
	var b model.Basket
	var supplyS string
	var components, defaultUnits, externalUnits, modules []byte

	if err := row.Scan(&b.Address, &b.Manager, &supplyS,
		&components, &defaultUnits, &externalUnits, &modules,
		&b.Status, &b.CreatedAt); err != nil {
		return nil, err
	}

	b.TotalSupply, _ = decimal.NewFromString(supplyS)
	if err := json.Unmarshal(components, &b.Components); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(defaultUnits, &b.DefaultUnits); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(externalUnits, &b.ExternalUnits); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(modules, &b.Modules); err != nil {
		return nil, err
	}
	if b.DefaultUnits == nil {
		b.DefaultUnits = make(map[string]decimal.Decimal)
	}
	if b.ExternalUnits == nil {
		b.ExternalUnits = make(map[string]map[string]decimal.Decimal)
	}
	if b.Modules == nil {
		b.Modules = make(map[string]bool)
	}
	return &b, nil
}
