package ebus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Recorder passively records the addresses and commands seen on the bus.
// It implements TelegramObserver and builds, over time, an inventory of
// the appliances present and the commands they exchange.
//
// The database must have the ebus_addresses and ebus_commands tables.
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	logger Logger

	// Prepared statements for upserts (created once, reused)
	addressStmt *sql.Stmt
	commandStmt *sql.Stmt
	stmtMu      sync.Mutex

	closed bool
	mu     sync.RWMutex
}

var _ TelegramObserver = (*Recorder)(nil)

// AddressRecord is one row of ebus_addresses.
type AddressRecord struct {
	Address      byte
	Role         string
	LastSeen     time.Time
	MessageCount int64
}

// CommandRecord is one row of ebus_commands.
type CommandRecord struct {
	Source       byte
	Destination  byte
	Primary      byte
	Secondary    byte
	LastSeen     time.Time
	MessageCount int64
	LastData     string
}

// NewRecorder creates a recorder over db. Call Start before use.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the upsert statements. Calling it twice is a no-op.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.addressStmt != nil {
		return nil // Already started
	}

	addrStmt, err := r.db.Prepare(`
		INSERT INTO ebus_addresses (address, role, last_seen, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing address upsert statement: %w", err)
	}

	cmdStmt, err := r.db.Prepare(`
		INSERT INTO ebus_commands (source, destination, primary_cmd, secondary_cmd, last_seen, message_count, last_data)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(source, destination, primary_cmd, secondary_cmd) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			last_data = excluded.last_data
	`)
	if err != nil {
		addrStmt.Close()
		return fmt.Errorf("preparing command upsert statement: %w", err)
	}

	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()

	r.addressStmt = addrStmt
	r.commandStmt = cmdStmt
	r.log("ebus recorder started")
	return nil
}

// Stop closes the statements. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.addressStmt != nil {
		r.addressStmt.Close()
		r.addressStmt = nil
	}
	if r.commandStmt != nil {
		r.commandStmt.Close()
		r.commandStmt = nil
	}
}

// ObserveTelegram records the source, destination and command of t.
// Errors are logged and otherwise ignored.
func (r *Recorder) ObserveTelegram(t Telegram) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.addressStmt == nil || r.commandStmt == nil {
		return // Not started
	}

	seen := t.Timestamp()
	if seen.IsZero() {
		seen = time.Now()
	}
	now := seen.Unix()

	if _, err := r.addressStmt.Exec(int(t.Source()), addressRole(t.Source()), now); err != nil {
		r.logError("recording source address", err)
	}
	if t.Destination() != BroadcastAddress {
		if _, err := r.addressStmt.Exec(int(t.Destination()), addressRole(t.Destination()), now); err != nil {
			r.logError("recording destination address", err)
		}
	}

	data := fmt.Sprintf("%x", t.Data())
	if _, err := r.commandStmt.Exec(int(t.Source()), int(t.Destination()),
		int(t.Primary()), int(t.Secondary()), now, data); err != nil {
		r.logError("recording command", err)
	}
}

func addressRole(addr byte) string {
	if IsMaster(addr) {
		return "master"
	}
	return "slave"
}

// Addresses returns every recorded address, most recently seen first.
func (r *Recorder) Addresses(ctx context.Context) ([]AddressRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, role, last_seen, message_count FROM ebus_addresses
		ORDER BY last_seen DESC, address ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AddressRecord
	for rows.Next() {
		var (
			addr, lastSeen, count int64
			role                  string
		)
		if err := rows.Scan(&addr, &role, &lastSeen, &count); err != nil {
			return nil, err
		}
		out = append(out, AddressRecord{
			Address:      byte(addr), //nolint:gosec // stored from a byte
			Role:         role,
			LastSeen:     time.Unix(lastSeen, 0),
			MessageCount: count,
		})
	}
	return out, rows.Err()
}

// Commands returns every recorded command, most recently seen first.
func (r *Recorder) Commands(ctx context.Context) ([]CommandRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, destination, primary_cmd, secondary_cmd, last_seen, message_count, last_data
		FROM ebus_commands
		ORDER BY last_seen DESC, primary_cmd ASC, secondary_cmd ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			src, dst, pb, sb, lastSeen, count int64
			data                              string
		)
		if err := rows.Scan(&src, &dst, &pb, &sb, &lastSeen, &count, &data); err != nil {
			return nil, err
		}
		//nolint:gosec // columns are stored from bytes
		out = append(out, CommandRecord{
			Source:       byte(src),
			Destination:  byte(dst),
			Primary:      byte(pb),
			Secondary:    byte(sb),
			LastSeen:     time.Unix(lastSeen, 0),
			MessageCount: count,
			LastData:     data,
		})
	}
	return out, rows.Err()
}

// AddressCount returns the number of discovered addresses.
func (r *Recorder) AddressCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ebus_addresses`).Scan(&count)
	return count, err
}

func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
