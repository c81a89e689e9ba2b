// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements responder device state persistence with a SQLite
// database.
package sqlite

import (
	"context"
	"crypto"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// ErrNotFound is returned when a slot or measurement does not exist.
var ErrNotFound = errors.New("not found")

// DB implements certificate slot and measurement persistence. It also records
// responder events to an audit log when used as a spdm.EventHandler.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// New creates a DB. The expected tables must be created and FOREIGN_KEYS must
// be enabled before the database is used for device state.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created and pragma are set. It does not
// recognize if tables have been created with invalid schemas.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS slots
			( slot INTEGER PRIMARY KEY CHECK (slot BETWEEN 0 AND 7)
			, pkcs8 BLOB NOT NULL
			, x509_chain BLOB NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS measurements
			( idx INTEGER PRIMARY KEY CHECK (idx BETWEEN 1 AND 254)
			, value_type INTEGER NOT NULL
			, value BLOB NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS audit_log
			( id INTEGER PRIMARY KEY AUTOINCREMENT
			, time INTEGER NOT NULL
			, event INTEGER NOT NULL
			, request INTEGER
			, state INTEGER NOT NULL
			, session INTEGER
			, error TEXT
			)`,
		`CREATE INDEX IF NOT EXISTS audit_log_time
			ON audit_log(time ASC)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
//
// If the database connection is associated with unfinalized prepared
// statements, open blob handles, and/or unfinished backup objects, Close will
// leave the database connection open and return [sqlite3.BUSY].
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

// Compile-time check for interface implementation correctness
var _ interface {
	spdm.CertificateStore
	spdm.MeasurementSource
	spdm.EventHandler
} = (*DB)(nil)

func (db *DB) insert(ctx context.Context, table string, kvs map[string]any, upsertOnConflict []string) error {
	return insert(db.debugCtx(ctx), db.db, table, kvs, upsertOnConflict)
}

func (db *DB) query(ctx context.Context, table string, columns []string, where map[string]any, into ...any) error {
	return query(db.debugCtx(ctx), db.db, table, columns, where, into...)
}

func (db *DB) remove(ctx context.Context, table string, where map[string]any) error {
	return remove(db.debugCtx(ctx), db.db, table, where)
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// If upsertOnConflict is an empty slice (non-nil), then do an INSERT OR IGNORE
func insert(ctx context.Context, db execer, table string, kvs map[string]any, upsertOnConflict []string) error {
	var orIgnore string
	if upsertOnConflict != nil && len(upsertOnConflict) == 0 {
		orIgnore = "OR IGNORE "
	}

	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	var upsert string
	if len(upsertOnConflict) > 0 {
		var updates, whereClauses []string
		for _, key := range columns {
			excluded := fmt.Sprintf("`%s` = excluded.`%s`", key, key)
			if slices.Contains(upsertOnConflict, key) {
				whereClauses = append(whereClauses, excluded)
			} else {
				updates = append(updates, excluded)
			}
		}

		upsert = fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET ", strings.Join(upsertOnConflict, "`, `"))
		upsert += strings.Join(updates, ", ")
		upsert += " WHERE "
		upsert += strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(
		"INSERT %sINTO %s (%s) VALUES (%s)%s",
		orIgnore,
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
		upsert,
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func whereClause(where map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = where[key]
	}
	return strings.Join(clauses, " AND "), vals
}

func query(ctx context.Context, db querier, table string, columns []string, where map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}

	clauses, whereVals := whereClause(where)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		clauses,
	)
	debug(ctx, "sqlite: %s\n%+v", query, where)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func remove(ctx context.Context, db execer, table string, where map[string]any) error {
	clauses, whereVals := whereClause(where)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, clauses)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	result, err := db.ExecContext(ctx, query, whereVals...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return ErrNotFound
	}
	return nil
}

func derEncode(certs []*x509.Certificate) (der []byte) {
	for _, cert := range certs {
		der = append(der, cert.Raw...)
	}
	return der
}

// AddSlot provisions a certificate slot with a chain, root first, and the
// private key of its leaf certificate. An existing slot is replaced.
func (db *DB) AddSlot(ctx context.Context, slot uint8, key crypto.PrivateKey, chain []*x509.Certificate) error {
	if slot >= protocol.MaxSlots {
		return fmt.Errorf("invalid slot %d", slot)
	}
	if len(chain) == 0 {
		return fmt.Errorf("required certificate chain is missing")
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return db.insert(ctx, "slots", map[string]any{
		"slot":       int(slot),
		"pkcs8":      der,
		"x509_chain": derEncode(chain),
	}, []string{"slot"})
}

// RemoveSlot deletes a provisioned slot.
func (db *DB) RemoveSlot(ctx context.Context, slot uint8) error {
	return db.remove(ctx, "slots", map[string]any{"slot": int(slot)})
}

// Slots implements spdm.CertificateStore.
func (db *DB) Slots(ctx context.Context) (uint8, error) {
	ctx = db.debugCtx(ctx)
	debug(ctx, "sqlite: SELECT `slot` FROM slots")
	rows, err := db.db.QueryContext(ctx, "SELECT `slot` FROM slots")
	if err != nil {
		return 0, fmt.Errorf("error querying slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mask uint8
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return 0, fmt.Errorf("error scanning slot: %w", err)
		}
		mask |= 1 << slot
	}
	return mask, rows.Err()
}

// CertificateChain implements spdm.CertificateStore.
func (db *DB) CertificateChain(ctx context.Context, slot uint8) ([]*x509.Certificate, crypto.Signer, error) {
	var keyDer, chainDer []byte
	if err := db.query(ctx, "slots", []string{"pkcs8", "x509_chain"}, map[string]any{
		"slot": int(slot),
	}, &keyDer, &chainDer); err != nil {
		return nil, nil, fmt.Errorf("error querying slot %d: %w", slot, err)
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDer)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing slot %d key: %w", slot, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("slot %d key of type %T cannot sign", slot, key)
	}
	chain, err := x509.ParseCertificates(chainDer)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing slot %d certificate chain: %w", slot, err)
	}
	return chain, signer, nil
}

// SetMeasurement stores or replaces the measurement block with the same
// index.
func (db *DB) SetMeasurement(ctx context.Context, blk protocol.MeasurementBlock) error {
	if blk.Index == 0 || blk.Index == protocol.AllMeasurements {
		return fmt.Errorf("invalid measurement index %d", blk.Index)
	}
	return db.insert(ctx, "measurements", map[string]any{
		"idx":        int(blk.Index),
		"value_type": int(blk.ValueType),
		"value":      blk.Value,
	}, []string{"idx"})
}

// RemoveMeasurement deletes a measurement block.
func (db *DB) RemoveMeasurement(ctx context.Context, index uint8) error {
	return db.remove(ctx, "measurements", map[string]any{"idx": int(index)})
}

// Measurements implements spdm.MeasurementSource. Blocks are ordered by
// index.
func (db *DB) Measurements(ctx context.Context) ([]protocol.MeasurementBlock, error) {
	const stmt = "SELECT `idx`, `value_type`, `value` FROM measurements ORDER BY `idx` ASC"
	ctx = db.debugCtx(ctx)
	debug(ctx, "sqlite: %s", stmt)
	rows, err := db.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("error querying measurements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []protocol.MeasurementBlock
	for rows.Next() {
		var (
			idx, typ int
			value    []byte
		)
		if err := rows.Scan(&idx, &typ, &value); err != nil {
			return nil, fmt.Errorf("error scanning measurement: %w", err)
		}
		blocks = append(blocks, protocol.MeasurementBlock{
			Index:     uint8(idx),
			ValueType: protocol.DMTFValueType(typ),
			Value:     value,
		})
	}
	return blocks, rows.Err()
}

// AuditRecord is a persisted responder event.
type AuditRecord struct {
	Time      time.Time
	Event     spdm.EventType
	Request   protocol.Code
	State     spdm.ConnectionState
	SessionID uint32
	Error     string
}

// HandleEvent implements spdm.EventHandler by appending the event to the
// audit log. Failures are written to the debug log only.
func (db *DB) HandleEvent(ctx context.Context, e spdm.Event) {
	kvs := map[string]any{
		"time":  e.Timestamp.UnixNano(),
		"event": int(e.Type),
		"state": int(e.State),
	}
	if e.Request != 0 {
		kvs["request"] = int(e.Request)
	}
	if e.SessionID != 0 {
		kvs["session"] = int64(e.SessionID)
	}
	if e.Error != nil {
		kvs["error"] = e.Error.Error()
	}
	if err := db.insert(context.WithoutCancel(ctx), "audit_log", kvs, nil); err != nil {
		debug(db.debugCtx(ctx), "sqlite: error recording %s event: %v", e.Type, err)
	}
}

// AuditLog returns events recorded at or after since, oldest first.
func (db *DB) AuditLog(ctx context.Context, since time.Time) ([]AuditRecord, error) {
	const stmt = "SELECT `time`, `event`, `request`, `state`, `session`, `error` FROM audit_log WHERE `time` >= ? ORDER BY `id` ASC"
	ctx = db.debugCtx(ctx)
	debug(ctx, "sqlite: %s\n%v", stmt, since)
	rows, err := db.db.QueryContext(ctx, stmt, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("error querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AuditRecord
	for rows.Next() {
		var (
			ts, event, state int64
			request, session sql.NullInt64
			errString        sql.NullString
		)
		if err := rows.Scan(&ts, &event, &request, &state, &session, &errString); err != nil {
			return nil, fmt.Errorf("error scanning audit log: %w", err)
		}
		records = append(records, AuditRecord{
			Time:      time.Unix(0, ts),
			Event:     spdm.EventType(event),
			Request:   protocol.Code(request.Int64),
			State:     spdm.ConnectionState(state),
			SessionID: uint32(session.Int64),
			Error:     errString.String,
		})
	}
	return records, rows.Err()
}
