// Package recorder logs bus traffic to a SQLite database so the emissions of
// a run can be inspected afterwards.
package recorder

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sceneinit/internal/bus"
	"github.com/banshee-data/sceneinit/internal/monitoring"
	"github.com/banshee-data/sceneinit/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var logf = monitoring.Component("recorder")

// Emission is one recorded message.
type Emission struct {
	ID         int64           `json:"id"`
	Topic      string          `json:"topic"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Recorder writes received messages to SQLite.
type Recorder struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// concurrent Start calls share one connection
	db.SetMaxOpenConns(1)

	r := &Recorder{db: db, path: path, clock: clock}
	if err := r.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: m is not closed because that would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Record stores payload as the next message of topic.
func (r *Recorder) Record(topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("record %s: payload is not valid JSON", topic)
	}
	_, err := r.db.Exec(`
		INSERT INTO emissions (topic, seq, payload_json, recorded_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM emissions WHERE topic = ?), ?, ?)`,
		topic, topic, string(payload), r.clock.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", topic, err)
	}
	return nil
}

// Attach records every message of source until ctx is done or the topic
// closes. It returns nil when the topic closes and ctx.Err() on cancellation.
func (r *Recorder) Attach(ctx context.Context, source bus.Source) error {
	return <-r.Start(ctx, source)
}

// Start subscribes to source before returning and records in the background.
// The returned channel receives Attach's result once recording stops.
func (r *Recorder) Start(ctx context.Context, source bus.Source) <-chan error {
	messages := source.SubscribeJSON(ctx)
	done := make(chan error, 1)
	go func() {
		for payload := range messages {
			if err := r.Record(source.Name(), payload); err != nil {
				logf("failed to record message: %v", err)
			}
		}
		done <- ctx.Err()
	}()
	return done
}

// Emissions returns the recorded messages of topic in receive order.
func (r *Recorder) Emissions(topic string) ([]Emission, error) {
	rows, err := r.db.Query(`
		SELECT id, topic, seq, payload_json, recorded_at
		FROM emissions
		WHERE topic = ?
		ORDER BY seq`, topic)
	if err != nil {
		return nil, fmt.Errorf("query emissions: %w", err)
	}
	defer rows.Close()

	var out []Emission
	for rows.Next() {
		var (
			e          Emission
			payload    string
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.Seq, &payload, &recordedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// AttachAdminRoutes mounts a JSON listing of recorded emissions and a tailsql
// console over the recording under /debug/.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+r.path, r.db, &tailsql.DBOptions{
		Label: "Scene emissions",
	})
	debug.Handle("tailsql/", "SQL console over recorded emissions", tsql.NewMux())

	debug.HandleFunc("emissions", "recorded emissions of a topic", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		topic := req.URL.Query().Get("topic")
		if topic == "" {
			http.Error(w, "Missing topic", http.StatusBadRequest)
			return
		}
		emissions, err := r.Emissions(topic)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to query emissions: %v", err), http.StatusInternalServerError)
			return
		}
		if emissions == nil {
			emissions = []Emission{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(emissions)
	})
	return nil
}
