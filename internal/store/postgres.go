package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the shared-database backend, used when a DSN is
// configured. Semantics match BoltStore exactly; the state machine is
// enforced inside a transaction with the row locked.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
create table if not exists invoices (
  id bigint generated always as identity primary key,
  payment_hash bytea not null unique,
  preimage bytea null,
  bolt11 text not null,
  state text not null,
  amount_msat bigint not null default 0,
  memo text not null default '',
  description_hash bytea null,
  min_cltv_expiry bigint not null default 0,
  expiry_seconds bigint not null default 0,
  created_at timestamptz not null default now(),
  accepted_at timestamptz null,
  settled_at timestamptz null
);
create table if not exists htlcs (
  id bigint generated always as identity primary key,
  invoice_id bigint not null references invoices(id) on delete cascade,
  state text not null,
  scid text not null,
  htlc_id bigint not null,
  msat bigint not null,
  cltv_expiry bigint not null,
  created_at timestamptz not null default now()
);
create index if not exists htlcs_invoice_id_idx on htlcs (invoice_id);
`)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InsertInvoice(ctx context.Context, invoice *Invoice) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`select exists (select 1 from invoices where payment_hash = $1)`,
		invoice.PaymentHash).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrInvoiceExists
	}

	return s.pool.QueryRow(ctx, `
insert into invoices (payment_hash, bolt11, state, amount_msat, memo, description_hash, min_cltv_expiry, expiry_seconds)
values ($1, $2, $3, $4, $5, $6, $7, $8)
returning id, created_at
`,
		invoice.PaymentHash,
		invoice.Bolt11,
		invoice.State,
		int64(invoice.AmountMsat),
		invoice.Memo,
		invoice.DescriptionHash,
		int64(invoice.MinCltvExpiry),
		int64(invoice.ExpirySeconds),
	).Scan(&invoice.ID, &invoice.CreatedAt)
}

func (s *PostgresStore) InsertHTLC(ctx context.Context, htlc *HTLC) error {
	err := s.pool.QueryRow(ctx, `
insert into htlcs (invoice_id, state, scid, htlc_id, msat, cltv_expiry)
values ($1, $2, $3, $4, $5, $6)
returning id, created_at
`,
		int64(htlc.InvoiceID),
		htlc.State,
		htlc.Scid,
		int64(htlc.HtlcID),
		int64(htlc.Msat),
		int64(htlc.CltvExpiry),
	).Scan(&htlc.ID, &htlc.CreatedAt)
	if err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) SetInvoiceState(ctx context.Context, id uint64, to State) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx,
			`select state from invoices where id = $1 for update`, int64(id)).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return err
		}

		current, err := ParseState(raw)
		if err != nil {
			return err
		}
		if err := current.ValidateTransition(to); err != nil {
			return err
		}

		switch to {
		case StateAccepted:
			_, err = tx.Exec(ctx,
				`update invoices set state = $1, accepted_at = now() where id = $2`,
				to, int64(id))
		case StatePaid:
			_, err = tx.Exec(ctx,
				`update invoices set state = $1, settled_at = now() where id = $2`,
				to, int64(id))
		default:
			_, err = tx.Exec(ctx,
				`update invoices set state = $1 where id = $2`, to, int64(id))
		}
		return err
	})
}

func (s *PostgresStore) SetInvoicePreimage(ctx context.Context, id uint64, preimage []byte) error {
	tag, err := s.pool.Exec(ctx,
		`update invoices set preimage = $1 where id = $2`, preimage, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (s *PostgresStore) SetHTLCState(ctx context.Context, htlcID uint64, to State) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx,
			`select state from htlcs where id = $1 for update`, int64(htlcID)).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrHTLCNotFound
		}
		if err != nil {
			return err
		}

		current, err := ParseState(raw)
		if err != nil {
			return err
		}
		if err := current.ValidateTransition(to); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `update htlcs set state = $1 where id = $2`, to, int64(htlcID))
		return err
	})
}

func (s *PostgresStore) SetHTLCStatesByInvoice(ctx context.Context, invoiceID uint64, from, to State) error {
	if err := from.ValidateTransition(to); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`update htlcs set state = $1 where invoice_id = $2 and state = $3`,
		to, int64(invoiceID), from)
	return err
}

func (s *PostgresStore) GetByPaymentHash(ctx context.Context, paymentHash []byte) (*HoldInvoice, error) {
	invoices, err := s.query(ctx,
		selectInvoices+` where payment_hash = $1`, paymentHash)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}
	return &invoices[0], nil
}

func (s *PostgresStore) GetAll(ctx context.Context) ([]HoldInvoice, error) {
	return s.query(ctx, selectInvoices+` order by id asc`)
}

func (s *PostgresStore) GetPaginated(ctx context.Context, indexStart uint64, limit uint32) ([]HoldInvoice, error) {
	// nullif keeps a zero limit meaning "no limit", like the bbolt backend.
	return s.query(ctx,
		selectInvoices+` where id >= $1 order by id asc limit nullif($2, 0)`,
		int64(indexStart), int64(limit))
}

func (s *PostgresStore) CleanCancelled(ctx context.Context, age time.Duration) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`delete from invoices where state = $1 and created_at <= now() - $2::interval returning payment_hash`,
		StateCancelled, fmt.Sprintf("%d seconds", int64(age.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cleaned [][]byte
	for rows.Next() {
		var hash []byte
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		cleaned = append(cleaned, hash)
	}
	return cleaned, rows.Err()
}

const selectInvoices = `
select id, payment_hash, preimage, bolt11, state, amount_msat, memo,
  description_hash, min_cltv_expiry, expiry_seconds, created_at, accepted_at, settled_at
from invoices`

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]HoldInvoice, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []HoldInvoice
	for rows.Next() {
		var (
			invoice                                         Invoice
			id, amountMsat, minCltv, expirySeconds          int64
			raw                                             string
		)
		err := rows.Scan(&id, &invoice.PaymentHash, &invoice.Preimage, &invoice.Bolt11,
			&raw, &amountMsat, &invoice.Memo, &invoice.DescriptionHash,
			&minCltv, &expirySeconds, &invoice.CreatedAt, &invoice.AcceptedAt, &invoice.SettledAt)
		if err != nil {
			return nil, err
		}

		invoice.ID = uint64(id)
		invoice.AmountMsat = uint64(amountMsat)
		invoice.MinCltvExpiry = uint32(minCltv)
		invoice.ExpirySeconds = uint64(expirySeconds)
		invoice.State, err = ParseState(raw)
		if err != nil {
			return nil, err
		}

		result = append(result, HoldInvoice{Invoice: invoice})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		htlcs, err := s.htlcsForInvoice(ctx, result[i].Invoice.ID)
		if err != nil {
			return nil, err
		}
		result[i].Htlcs = htlcs
	}

	return result, nil
}

func (s *PostgresStore) htlcsForInvoice(ctx context.Context, invoiceID uint64) ([]HTLC, error) {
	rows, err := s.pool.Query(ctx, `
select id, invoice_id, state, scid, htlc_id, msat, cltv_expiry, created_at
from htlcs where invoice_id = $1 order by id asc
`, int64(invoiceID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var htlcs []HTLC
	for rows.Next() {
		var (
			htlc                              HTLC
			id, invID, htlcID, msat, cltvExp  int64
			raw                               string
		)
		if err := rows.Scan(&id, &invID, &raw, &htlc.Scid, &htlcID, &msat, &cltvExp, &htlc.CreatedAt); err != nil {
			return nil, err
		}

		htlc.ID = uint64(id)
		htlc.InvoiceID = uint64(invID)
		htlc.HtlcID = uint64(htlcID)
		htlc.Msat = uint64(msat)
		htlc.CltvExpiry = uint32(cltvExp)
		htlc.State, err = ParseState(raw)
		if err != nil {
			return nil, err
		}

		htlcs = append(htlcs, htlc)
	}
	return htlcs, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
