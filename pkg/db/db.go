package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

// Database is a wrapper around the underlying badger instance. Component
// stores share one connection and isolate their entries with key prefixes.
type Database struct {
	db *badger.DB
}

var (
	dbWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_db_writes_total",
			Help: "Total number of database write operations",
		})
	dbDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_db_deletes_total",
			Help: "Total number of database delete operations",
		})
)

var (
	ErrMarshal   = errors.New("db: marshal")
	ErrUnmarshal = errors.New("db: unmarshal")
)

// Operation represents a database operation type
type Operation string

const (
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type DBError struct {
	Op  Operation
	Key []byte
	Err error
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func (e *DBError) Error() string {
	return fmt.Sprintf("database: %s key: %s error: %v", e.Op, e.Key, e.Err)
}

func Open(path string) (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, err
	}
	return &Database{
		db: db,
	}, nil
}

func OpenDb(logger *zap.Logger, dataDir *string) *Database {
	dbPath := path.Join(*dataDir, "db")
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		logger.Fatal("failed to create database directory", zap.Error(err))
	}

	db, err := Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	return db
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Conn returns a pointer to the underlying database connection.
func (d *Database) Conn() *badger.DB {
	return d.db
}

func update(db *badger.DB, key []byte, data []byte) error {
	updateErr := db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})

	if updateErr != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: updateErr}
	}

	dbWritesTotal.Inc()
	return nil
}

func deleteEntry(db *badger.DB, key []byte) error {
	updateErr := db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})

	if updateErr != nil {
		return &DBError{Op: OpDelete, Key: key, Err: updateErr}
	}

	dbDeletesTotal.Inc()
	return nil
}

// loadPrefix iterates every entry under the given prefix and hands the key
// and a copy of the value to fn.
func loadPrefix(db *badger.DB, prefix string, fn func(key []byte, val []byte) error) error {
	viewErr := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, copyErr := item.ValueCopy(nil)
			if copyErr != nil {
				return copyErr
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})

	if viewErr != nil {
		return &DBError{Op: OpRead, Key: []byte(prefix), Err: viewErr}
	}
	return nil
}

// writeBigInt stores a non-negative big integer as a fixed 32 byte field.
func writeBigInt(buf *bytes.Buffer, v *big.Int) error {
	b := make([]byte, 32)
	if v != nil {
		if v.Sign() < 0 || v.BitLen() > 256 {
			return fmt.Errorf("big integer out of range: %v", v)
		}
		v.FillBytes(b)
	}
	buf.Write(b)
	return nil
}

func readBigInt(reader *bytes.Reader) (*big.Int, error) {
	b := [32]byte{}
	if n, err := reader.Read(b[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read big integer [%d]: %w", n, err)
	}
	return new(big.Int).SetBytes(b[:]), nil
}

// writeLenString stores a string with a 16 bit length prefix.
func writeLenString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	bridge.MustWrite(buf, binary.BigEndian, uint16(len(s))) // #nosec G115 -- length bounded above
	buf.WriteString(s)
	return nil
}

func readLenString(reader *bytes.Reader) (string, error) {
	length := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("failed to read string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	b := make([]byte, length)
	if n, err := reader.Read(b); err != nil || n != int(length) {
		return "", fmt.Errorf("failed to read string [%d]: %w", n, err)
	}
	return string(b), nil
}

// writeLenBytes stores a byte slice with a 16 bit length prefix.
func writeLenBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > 0xffff {
		return fmt.Errorf("byte slice too long: %d bytes", len(b))
	}
	bridge.MustWrite(buf, binary.BigEndian, uint16(len(b))) // #nosec G115 -- length bounded above
	buf.Write(b)
	return nil
}

func readLenBytes(reader *bytes.Reader) ([]byte, error) {
	length := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	b := make([]byte, length)
	if length == 0 {
		return b, nil
	}
	if n, err := reader.Read(b); err != nil || n != int(length) {
		return nil, fmt.Errorf("failed to read bytes [%d]: %w", n, err)
	}
	return b, nil
}
