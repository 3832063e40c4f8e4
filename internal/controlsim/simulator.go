// Package controlsim is a development stand-in for the instance control
// plane. It serves the same /applications API the gateway's state client
// talks to, backed by SQLite so instance records survive restarts, and moves
// records from SPAWNING to RUNNING after a configurable delay.
//
// Not for production: the real control plane actually launches containers.
package controlsim

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"
)

// instanceRecord mirrors the control-plane wire format.
type instanceRecord struct {
	LifecycleState string `json:"lifecycle_state"`
	BackendAddress string `json:"backend_address,omitempty"`
	OwnerIdentity  string `json:"owner_identity"`
	ErrorFlag      bool   `json:"error_flag,omitempty"`
}

// Config configures the simulator.
type Config struct {
	// DBPath is the SQLite database file. ":memory:" keeps records in memory.
	DBPath string
	// SpawnDelay is how long an instance stays SPAWNING before it reports
	// RUNNING.
	SpawnDelay time.Duration
	// BackendAddress is reported for every running instance. Point it at any
	// local HTTP app.
	BackendAddress string
}

// Simulator implements the control-plane API over SQLite.
type Simulator struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New opens the database and prepares the schema.
func New(cfg Config, logger *slog.Logger) (*Simulator, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path cannot be empty")
	}
	if cfg.SpawnDelay <= 0 {
		cfg.SpawnDelay = 10 * time.Second
	}
	if cfg.BackendAddress == "" {
		return nil, errors.New("backend address cannot be empty")
	}

	dsn := cfg.DBPath
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", cfg.DBPath)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Simulator{db: db, cfg: cfg, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Simulator) Close() error { return s.db.Close() }

// initSchema creates the instance table. The partial unique index is the
// idempotency mechanism: at most one spawning-or-running record per host key,
// so concurrent spawn requests collapse into one row.
func (s *Simulator) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_key TEXT NOT NULL,
		state TEXT NOT NULL,
		backend_address TEXT NOT NULL DEFAULT '',
		owner_suffix TEXT NOT NULL DEFAULT '',
		error_flag INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_single_active
		ON instances(host_key) WHERE state IN ('SPAWNING', 'RUNNING');

	CREATE INDEX IF NOT EXISTS idx_host_key ON instances(host_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Routes returns the HTTP API.
func (s *Simulator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/applications/{hostKey}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Put("/", s.handlePut)
		r.Delete("/", s.handleDelete)
	})
	return r
}

func (s *Simulator) handleGet(w http.ResponseWriter, r *http.Request) {
	hostKey := chi.URLParam(r, "hostKey")

	rec, found, err := s.lookup(hostKey)
	if err != nil {
		s.logger.Error("lookup failed", "host_key", hostKey, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Simulator) handlePut(w http.ResponseWriter, r *http.Request) {
	hostKey := chi.URLParam(r, "hostKey")

	// The owner suffix is the trailing host-key label; the real control
	// plane records the authenticated spawning user instead.
	owner := ""
	if i := strings.LastIndex(hostKey, "-"); i >= 0 {
		owner = hostKey[i+1:]
	}

	res, err := s.db.ExecContext(r.Context(), `
		INSERT INTO instances (host_key, state, owner_suffix, created_at)
		VALUES (?, 'SPAWNING', ?, ?)
		ON CONFLICT DO NOTHING
	`, hostKey, owner, s.now().Unix())
	if err != nil {
		s.logger.Error("spawn insert failed", "host_key", hostKey, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	inserted, _ := res.RowsAffected()
	if inserted > 0 {
		s.logger.Info("instance spawning", "host_key", hostKey, "owner", owner)
		w.WriteHeader(http.StatusCreated)
	} else {
		// A spawning or running record already exists. Same outcome.
		w.WriteHeader(http.StatusOK)
	}

	rec, found, err := s.lookup(hostKey)
	if err != nil || !found {
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Simulator) handleDelete(w http.ResponseWriter, r *http.Request) {
	hostKey := chi.URLParam(r, "hostKey")

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM instances WHERE host_key = ?`, hostKey)
	if err != nil {
		s.logger.Error("delete failed", "host_key", hostKey, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("instance record deleted", "host_key", hostKey)
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup fetches the newest record for a host key, promoting a SPAWNING
// record to RUNNING once the configured delay has elapsed.
func (s *Simulator) lookup(hostKey string) (instanceRecord, bool, error) {
	var (
		id        int64
		rec       instanceRecord
		errorFlag int
		createdAt int64
	)
	err := s.db.QueryRow(`
		SELECT id, state, backend_address, owner_suffix, error_flag, created_at
		FROM instances WHERE host_key = ? ORDER BY id DESC LIMIT 1
	`, hostKey).Scan(&id, &rec.LifecycleState, &rec.BackendAddress, &rec.OwnerIdentity, &errorFlag, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return instanceRecord{}, false, nil
	}
	if err != nil {
		return instanceRecord{}, false, err
	}
	rec.ErrorFlag = errorFlag != 0

	if rec.LifecycleState == "SPAWNING" && s.now().Sub(time.Unix(createdAt, 0)) >= s.cfg.SpawnDelay {
		if _, err := s.db.Exec(`
			UPDATE instances SET state = 'RUNNING', backend_address = ? WHERE id = ?
		`, s.cfg.BackendAddress, id); err != nil {
			return instanceRecord{}, false, err
		}
		rec.LifecycleState = "RUNNING"
		rec.BackendAddress = s.cfg.BackendAddress
		s.logger.Info("instance running", "host_key", hostKey)
	}

	return rec, true, nil
}

// Stop marks the active record for a host key as STOPPED, optionally with the
// error flag set. Exposed for tests and manual failure injection.
func (s *Simulator) Stop(hostKey string, failed bool) error {
	flag := 0
	if failed {
		flag = 1
	}
	_, err := s.db.Exec(`
		UPDATE instances SET state = 'STOPPED', error_flag = ?
		WHERE host_key = ? AND state IN ('SPAWNING', 'RUNNING')
	`, flag, hostKey)
	return err
}
