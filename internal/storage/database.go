// Package storage persists Device Records keyed by DevEUI in a local
// SQLite database. Every mutation is durable before the caller proceeds;
// writes are serialized by the single *sql.DB connection pool plus WAL
// mode, and callers are expected to additionally serialize at a higher
// level (the MAC engine's radio mutex) per the single-writer discipline.
package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/lorawan-enddevice/internal/device"
)

// ErrNotFound is returned by Get when no record exists for a DevEUI.
var ErrNotFound = errors.New("storage: device not found")

// DB wraps the SQLite connection holding the devices table.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path, running migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		dev_eui TEXT PRIMARY KEY,
		app_eui TEXT NOT NULL,
		app_key TEXT NOT NULL,
		dev_addr TEXT,
		nwk_s_key TEXT,
		app_s_key TEXT,
		dev_nonce INTEGER NOT NULL DEFAULT 0,
		fcnt INTEGER NOT NULL DEFAULT 0,
		fcnt_down INTEGER NOT NULL DEFAULT 0,
		is_joined INTEGER NOT NULL DEFAULT 0,
		channel_group INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_devices_is_joined ON devices(is_joined);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Insert idempotently provisions a new device row with no session. If a
// row for DevEUI already exists, it is left untouched.
func (db *DB) Insert(devEUI, appEUI [8]byte, appKey [16]byte) error {
	_, err := db.conn.Exec(`
		INSERT INTO devices (dev_eui, app_eui, app_key)
		VALUES (?, ?, ?)
		ON CONFLICT(dev_eui) DO NOTHING
	`, hex.EncodeToString(devEUI[:]), hex.EncodeToString(appEUI[:]), hex.EncodeToString(appKey[:]))
	if err != nil {
		return fmt.Errorf("storage: insert device: %w", err)
	}
	return nil
}

// Get rehydrates a Record by DevEUI hex string. Returns ErrNotFound if no
// row exists.
func (db *DB) Get(devEUIHex string) (*device.Record, error) {
	row := db.conn.QueryRow(`
		SELECT dev_eui, app_eui, app_key, dev_addr, nwk_s_key, app_s_key,
			dev_nonce, fcnt, fcnt_down, is_joined, channel_group
		FROM devices WHERE dev_eui = ?
	`, devEUIHex)

	var devEUIHexOut, appEUIHex, appKeyHex string
	var devAddrHex, nwkSKeyHex, appSKeyHex sql.NullString
	var devNonce, fcnt, fcntDown uint32
	var isJoined int
	var channelGroup int

	err := row.Scan(&devEUIHexOut, &appEUIHex, &appKeyHex, &devAddrHex, &nwkSKeyHex, &appSKeyHex,
		&devNonce, &fcnt, &fcntDown, &isJoined, &channelGroup)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get device: %w", err)
	}

	rec := &device.Record{
		DevNonce:     uint16(devNonce),
		FCnt:         fcnt,
		FCntDown:     fcntDown,
		IsJoined:     isJoined != 0,
		ChannelGroup: channelGroup,
	}
	if err := decodeHexInto(devEUIHexOut, rec.DevEUI[:]); err != nil {
		return nil, err
	}
	if err := decodeHexInto(appEUIHex, rec.AppEUI[:]); err != nil {
		return nil, err
	}
	if err := decodeHexInto(appKeyHex, rec.AppKey[:]); err != nil {
		return nil, err
	}
	if devAddrHex.Valid && devAddrHex.String != "" {
		if err := decodeHexInto(devAddrHex.String, rec.DevAddr[:]); err != nil {
			return nil, err
		}
	}
	if nwkSKeyHex.Valid && nwkSKeyHex.String != "" {
		if err := decodeHexInto(nwkSKeyHex.String, rec.NwkSKey[:]); err != nil {
			return nil, err
		}
	}
	if appSKeyHex.Valid && appSKeyHex.String != "" {
		if err := decodeHexInto(appSKeyHex.String, rec.AppSKey[:]); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func decodeHexInto(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("storage: corrupt hex field %q: %w", s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("storage: field %q has wrong length %d, want %d", s, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// UpdateDevNonce persists a freshly-picked DevNonce. MUST be called
// before the JoinRequest carrying it is transmitted, so a nonce can
// never be reused after a crash.
func (db *DB) UpdateDevNonce(devEUIHex string, nonce uint16) error {
	_, err := db.conn.Exec(`UPDATE devices SET dev_nonce = ?, updated_at = ? WHERE dev_eui = ?`,
		nonce, time.Now(), devEUIHex)
	if err != nil {
		return fmt.Errorf("storage: update dev_nonce: %w", err)
	}
	return nil
}

// UpdateFCnt persists the uplink frame counter. MUST be called before the
// frame carrying it is transmitted, so the counter can only ever be
// observed ahead of the air interface, never behind it.
func (db *DB) UpdateFCnt(devEUIHex string, fcnt uint32) error {
	_, err := db.conn.Exec(`UPDATE devices SET fcnt = ?, updated_at = ? WHERE dev_eui = ?`,
		fcnt, time.Now(), devEUIHex)
	if err != nil {
		return fmt.Errorf("storage: update fcnt: %w", err)
	}
	return nil
}

// UpdateFCntDown persists the last observed downlink frame counter, used
// to dedup replayed downlinks.
func (db *DB) UpdateFCntDown(devEUIHex string, fcntDown uint32) error {
	_, err := db.conn.Exec(`UPDATE devices SET fcnt_down = ?, updated_at = ? WHERE dev_eui = ?`,
		fcntDown, time.Now(), devEUIHex)
	if err != nil {
		return fmt.Errorf("storage: update fcnt_down: %w", err)
	}
	return nil
}

// UpdateSessionKeys persists a newly-derived session. MUST only be
// called after JoinAccept's MIC has verified.
func (db *DB) UpdateSessionKeys(devEUIHex string, devAddr [4]byte, nwkSKey, appSKey [16]byte) error {
	_, err := db.conn.Exec(`
		UPDATE devices SET dev_addr = ?, nwk_s_key = ?, app_s_key = ?,
			is_joined = 1, fcnt = 0, fcnt_down = 0, updated_at = ?
		WHERE dev_eui = ?
	`, hex.EncodeToString(devAddr[:]), hex.EncodeToString(nwkSKey[:]), hex.EncodeToString(appSKey[:]),
		time.Now(), devEUIHex)
	if err != nil {
		return fmt.Errorf("storage: update session keys: %w", err)
	}
	return nil
}

// UpdateChannelGroup persists the US915 sub-band rotation group.
func (db *DB) UpdateChannelGroup(devEUIHex string, group int) error {
	_, err := db.conn.Exec(`UPDATE devices SET channel_group = ?, updated_at = ? WHERE dev_eui = ?`,
		group, time.Now(), devEUIHex)
	if err != nil {
		return fmt.Errorf("storage: update channel group: %w", err)
	}
	return nil
}
