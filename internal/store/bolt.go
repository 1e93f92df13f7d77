package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	invoiceBucket     = []byte("invoices")
	paymentHashBucket = []byte("payment_hashes")
	htlcBucket        = []byte("htlcs")
	invoiceHtlcBucket = []byte("invoice_htlcs")
)

// BoltStore is the default embedded backend, a single bbolt file next to the
// daemon. Invoice ids come from the bucket sequence, so they are monotonic
// and survive deletes.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{invoiceBucket, paymentHashBucket, htlcBucket, invoiceHtlcBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) InsertInvoice(_ context.Context, invoice *Invoice) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		hashes := tx.Bucket(paymentHashBucket)
		if hashes.Get(invoice.PaymentHash) != nil {
			return ErrInvoiceExists
		}

		invoices := tx.Bucket(invoiceBucket)
		id, err := invoices.NextSequence()
		if err != nil {
			return err
		}

		invoice.ID = id
		invoice.CreatedAt = time.Now().UTC()

		if err := putInvoice(invoices, invoice); err != nil {
			return err
		}
		return hashes.Put(invoice.PaymentHash, itob(id))
	})
}

func (s *BoltStore) InsertHTLC(_ context.Context, htlc *HTLC) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(invoiceBucket).Get(itob(htlc.InvoiceID)) == nil {
			return ErrInvoiceNotFound
		}

		htlcs := tx.Bucket(htlcBucket)
		id, err := htlcs.NextSequence()
		if err != nil {
			return err
		}

		htlc.ID = id
		htlc.CreatedAt = time.Now().UTC()

		if err := putHTLC(htlcs, htlc); err != nil {
			return err
		}
		return tx.Bucket(invoiceHtlcBucket).Put(invoiceHtlcKey(htlc.InvoiceID, id), nil)
	})
}

func (s *BoltStore) SetInvoiceState(_ context.Context, id uint64, to State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		invoices := tx.Bucket(invoiceBucket)
		invoice, err := getInvoice(invoices, id)
		if err != nil {
			return err
		}

		if err := invoice.State.ValidateTransition(to); err != nil {
			return err
		}

		now := time.Now().UTC()
		invoice.State = to
		switch to {
		case StateAccepted:
			invoice.AcceptedAt = &now
		case StatePaid:
			invoice.SettledAt = &now
		}

		return putInvoice(invoices, invoice)
	})
}

func (s *BoltStore) SetInvoicePreimage(_ context.Context, id uint64, preimage []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		invoices := tx.Bucket(invoiceBucket)
		invoice, err := getInvoice(invoices, id)
		if err != nil {
			return err
		}

		invoice.Preimage = append([]byte(nil), preimage...)
		return putInvoice(invoices, invoice)
	})
}

func (s *BoltStore) SetHTLCState(_ context.Context, htlcID uint64, to State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		htlcs := tx.Bucket(htlcBucket)
		htlc, err := getHTLC(htlcs, htlcID)
		if err != nil {
			return err
		}

		if err := htlc.State.ValidateTransition(to); err != nil {
			return err
		}

		htlc.State = to
		return putHTLC(htlcs, htlc)
	})
}

func (s *BoltStore) SetHTLCStatesByInvoice(_ context.Context, invoiceID uint64, from, to State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		htlcs := tx.Bucket(htlcBucket)
		cursor := tx.Bucket(invoiceHtlcBucket).Cursor()
		prefix := itob(invoiceID)

		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			htlc, err := getHTLC(htlcs, btoi(k[8:]))
			if err != nil {
				return err
			}
			if htlc.State != from {
				continue
			}

			if err := htlc.State.ValidateTransition(to); err != nil {
				return err
			}

			htlc.State = to
			if err := putHTLC(htlcs, htlc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetByPaymentHash(_ context.Context, paymentHash []byte) (*HoldInvoice, error) {
	var result *HoldInvoice

	err := s.db.View(func(tx *bbolt.Tx) error {
		idBytes := tx.Bucket(paymentHashBucket).Get(paymentHash)
		if idBytes == nil {
			return nil
		}

		hold, err := getHoldInvoice(tx, btoi(idBytes))
		if err != nil {
			return err
		}

		result = hold
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *BoltStore) GetAll(ctx context.Context) ([]HoldInvoice, error) {
	return s.GetPaginated(ctx, 0, 0)
}

func (s *BoltStore) GetPaginated(_ context.Context, indexStart uint64, limit uint32) ([]HoldInvoice, error) {
	var result []HoldInvoice

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(invoiceBucket).Cursor()

		for k, _ := cursor.Seek(itob(indexStart)); k != nil; k, _ = cursor.Next() {
			if limit > 0 && uint32(len(result)) >= limit {
				break
			}

			hold, err := getHoldInvoice(tx, btoi(k))
			if err != nil {
				return err
			}
			result = append(result, *hold)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *BoltStore) CleanCancelled(_ context.Context, age time.Duration) ([][]byte, error) {
	cutoff := time.Now().UTC().Add(-age)
	var cleaned [][]byte

	err := s.db.Update(func(tx *bbolt.Tx) error {
		invoices := tx.Bucket(invoiceBucket)
		htlcs := tx.Bucket(htlcBucket)
		index := tx.Bucket(invoiceHtlcBucket)
		hashes := tx.Bucket(paymentHashBucket)

		var doomed []*Invoice
		err := invoices.ForEach(func(_, v []byte) error {
			var invoice Invoice
			if err := json.Unmarshal(v, &invoice); err != nil {
				return err
			}
			if invoice.State == StateCancelled && !invoice.CreatedAt.After(cutoff) {
				doomed = append(doomed, &invoice)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, invoice := range doomed {
			prefix := itob(invoice.ID)
			cursor := index.Cursor()
			for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
				if err := htlcs.Delete(k[8:]); err != nil {
					return err
				}
				if err := index.Delete(k); err != nil {
					return err
				}
			}

			if err := hashes.Delete(invoice.PaymentHash); err != nil {
				return err
			}
			if err := invoices.Delete(prefix); err != nil {
				return err
			}
			cleaned = append(cleaned, invoice.PaymentHash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return cleaned, nil
}

func getHoldInvoice(tx *bbolt.Tx, id uint64) (*HoldInvoice, error) {
	invoice, err := getInvoice(tx.Bucket(invoiceBucket), id)
	if err != nil {
		return nil, err
	}

	hold := &HoldInvoice{Invoice: *invoice}

	htlcs := tx.Bucket(htlcBucket)
	cursor := tx.Bucket(invoiceHtlcBucket).Cursor()
	prefix := itob(id)
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		htlc, err := getHTLC(htlcs, btoi(k[8:]))
		if err != nil {
			return nil, err
		}
		hold.Htlcs = append(hold.Htlcs, *htlc)
	}

	return hold, nil
}

func getInvoice(bucket *bbolt.Bucket, id uint64) (*Invoice, error) {
	raw := bucket.Get(itob(id))
	if raw == nil {
		return nil, ErrInvoiceNotFound
	}

	var invoice Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func putInvoice(bucket *bbolt.Bucket, invoice *Invoice) error {
	raw, err := json.Marshal(invoice)
	if err != nil {
		return err
	}
	return bucket.Put(itob(invoice.ID), raw)
}

func getHTLC(bucket *bbolt.Bucket, id uint64) (*HTLC, error) {
	raw := bucket.Get(itob(id))
	if raw == nil {
		return nil, ErrHTLCNotFound
	}

	var htlc HTLC
	if err := json.Unmarshal(raw, &htlc); err != nil {
		return nil, err
	}
	return &htlc, nil
}

func putHTLC(bucket *bbolt.Bucket, htlc *HTLC) error {
	raw, err := json.Marshal(htlc)
	if err != nil {
		return err
	}
	return bucket.Put(itob(htlc.ID), raw)
}

func invoiceHtlcKey(invoiceID, htlcID uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, invoiceID)
	binary.BigEndian.PutUint64(key[8:], htlcID)
	return key
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
