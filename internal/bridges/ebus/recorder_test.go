package ebus

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupRecorderDB creates an in-memory SQLite database with the required tables.
func setupRecorderDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE ebus_addresses (
			address INTEGER PRIMARY KEY,
			role TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 1
		) STRICT;

		CREATE TABLE ebus_commands (
			source INTEGER NOT NULL,
			destination INTEGER NOT NULL,
			primary_cmd INTEGER NOT NULL,
			secondary_cmd INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 1,
			last_data TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (source, destination, primary_cmd, secondary_cmd)
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecorder_StartStop(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db)

	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	rec.Stop()
	rec.Stop()
}

func TestRecorder_StartWithoutSchema(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := NewRecorder(db).Start(); err == nil {
		t.Error("Start() without tables succeeded")
	}
}

func TestRecorder_ObserveTelegram(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	ctx := context.Background()

	rec.ObserveTelegram(mustTelegram(t, 0x10, 0x08, 0xB5, 0x11, []byte{0x01}))
	rec.ObserveTelegram(mustTelegram(t, 0x10, 0xFE, 0xB5, 0x05, []byte{0x27, 0x00, 0x2D, 0x00}))
	rec.ObserveTelegram(mustTelegram(t, 0x10, 0x08, 0xB5, 0x11, []byte{0x02}))

	count, err := rec.AddressCount(ctx)
	if err != nil {
		t.Fatalf("AddressCount() error: %v", err)
	}
	if count != 2 {
		t.Errorf("AddressCount() = %d, want 2 (broadcast is not an address)", count)
	}

	addrs, err := rec.Addresses(ctx)
	if err != nil {
		t.Fatalf("Addresses() error: %v", err)
	}
	byAddr := make(map[byte]AddressRecord)
	for _, a := range addrs {
		byAddr[a.Address] = a
	}
	if a := byAddr[0x10]; a.Role != "master" || a.MessageCount != 3 {
		t.Errorf("address 0x10 = %+v, want master seen 3 times", a)
	}
	if a := byAddr[0x08]; a.Role != "slave" || a.MessageCount != 2 {
		t.Errorf("address 0x08 = %+v, want slave seen 2 times", a)
	}
	if byAddr[0x10].LastSeen.IsZero() {
		t.Error("LastSeen not recorded")
	}

	cmds, err := rec.Commands(ctx)
	if err != nil {
		t.Fatalf("Commands() error: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("Commands() returned %d rows, want 2", len(cmds))
	}
	byCmd := make(map[uint16]CommandRecord)
	for _, c := range cmds {
		byCmd[uint16(c.Primary)<<8|uint16(c.Secondary)] = c
	}
	if c := byCmd[0xB511]; c.MessageCount != 2 || c.LastData != "02" || c.Destination != 0x08 {
		t.Errorf("b5 11 = %+v", c)
	}
	if c := byCmd[0xB505]; c.MessageCount != 1 || c.LastData != "27002d00" || c.Destination != BroadcastAddress {
		t.Errorf("b5 05 = %+v", c)
	}
}

func TestRecorder_IgnoresTelegramsWhenStopped(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db)
	ctx := context.Background()

	rec.ObserveTelegram(mustTelegram(t, 0x10, 0x08, 0xB5, 0x11, nil))

	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rec.Stop()
	rec.ObserveTelegram(mustTelegram(t, 0x10, 0x08, 0xB5, 0x11, nil))

	count, err := rec.AddressCount(ctx)
	if err != nil {
		t.Fatalf("AddressCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("AddressCount() = %d, want 0", count)
	}
}

func TestRecorder_AsConnectorObserver(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	port := newFakePort()
	opener, _ := portOpener(port, nil)
	dec := &MockDecoder{}
	c := NewConnector(ConnectorOptions{Decoder: dec, OpenPort: opener})
	c.AddObserver(rec)
	if err := c.Open(context.Background(), LinkConfig{TransportID: "/dev/ttyUSB0"}, &MockPublisher{}); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer c.Close()

	port.Inject(join(wireB511, syn()))
	waitFor(t, "decode", func() bool { return len(dec.Decoded()) == 1 })

	count, err := rec.AddressCount(context.Background())
	if err != nil {
		t.Fatalf("AddressCount() error: %v", err)
	}
	if count != 2 {
		t.Errorf("AddressCount() = %d, want 2", count)
	}
}
