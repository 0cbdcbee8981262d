package storage

import (
	"os"
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "lorawan-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	devEUI := [8]byte{0x1d, 0x42, 0xfb, 0xec, 0x13, 0x16, 0x09, 0x90}
	appEUI := devEUI
	appKey := [16]byte{0x4f, 0xe6, 0xe9, 0x06, 0xd3, 0x7f, 0xd2, 0x00, 0xf2, 0x5f, 0x82, 0xf7, 0xdf, 0x6b, 0xa0, 0xdd}

	if err := db.Insert(devEUI, appEUI, appKey); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	rec, err := db.Get("1d42fbec13160990")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.DevEUI != devEUI {
		t.Errorf("DevEUI mismatch: got %x, want %x", rec.DevEUI, devEUI)
	}
	if rec.AppKey != appKey {
		t.Errorf("AppKey mismatch")
	}
	if rec.IsJoined {
		t.Error("freshly-inserted device should not be joined")
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	devEUI := [8]byte{1}
	if err := db.Insert(devEUI, devEUI, [16]byte{1}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := db.UpdateDevNonce("0100000000000000", 0x1234); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := db.Insert(devEUI, devEUI, [16]byte{2}); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	rec, err := db.Get("0100000000000000")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.DevNonce != 0x1234 {
		t.Errorf("second insert must not clobber existing row, got DevNonce %x", rec.DevNonce)
	}
}

func TestGetNotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.Get("ffffffffffffffff"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionKeysSetsJoined(t *testing.T) {
	db := setupTestDB(t)
	devEUI := [8]byte{2}
	if err := db.Insert(devEUI, devEUI, [16]byte{1}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	devAddr := [4]byte{0x26, 0x01, 0x1b, 0xda}
	nwkSKey := [16]byte{1, 2, 3}
	appSKey := [16]byte{4, 5, 6}
	if err := db.UpdateSessionKeys("0200000000000000", devAddr, nwkSKey, appSKey); err != nil {
		t.Fatalf("update session keys failed: %v", err)
	}
	rec, err := db.Get("0200000000000000")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !rec.IsJoined {
		t.Error("expected IsJoined after UpdateSessionKeys")
	}
	if rec.DevAddr != devAddr || rec.NwkSKey != nwkSKey || rec.AppSKey != appSKey {
		t.Error("session fields not persisted correctly")
	}
	if rec.FCnt != 0 {
		t.Error("FCnt must reset to 0 on new session")
	}
}

func TestUpdateFCntPersists(t *testing.T) {
	db := setupTestDB(t)
	devEUI := [8]byte{3}
	db.Insert(devEUI, devEUI, [16]byte{1})
	if err := db.UpdateFCnt("0300000000000000", 42); err != nil {
		t.Fatalf("update fcnt failed: %v", err)
	}
	rec, err := db.Get("0300000000000000")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.FCnt != 42 {
		t.Errorf("got FCnt %d, want 42", rec.FCnt)
	}
}

func TestUpdateChannelGroup(t *testing.T) {
	db := setupTestDB(t)
	devEUI := [8]byte{4}
	db.Insert(devEUI, devEUI, [16]byte{1})
	if err := db.UpdateChannelGroup("0400000000000000", 3); err != nil {
		t.Fatalf("update channel group failed: %v", err)
	}
	rec, err := db.Get("0400000000000000")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.ChannelGroup != 3 {
		t.Errorf("got channel group %d, want 3", rec.ChannelGroup)
	}
}
