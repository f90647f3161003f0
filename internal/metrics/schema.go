package metrics

import (
	"database/sql"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp           INTEGER NOT NULL,
	       cpu_percent         REAL NOT NULL,
	       ram_percent         REAL NOT NULL,
	       disk_read_bps       INTEGER NOT NULL CHECK (disk_read_bps >= 0),
	       disk_write_bps      INTEGER NOT NULL CHECK (disk_write_bps >= 0),
	       net_in_bps          INTEGER NOT NULL CHECK (net_in_bps >= 0),
	       net_out_bps         INTEGER NOT NULL CHECK (net_out_bps >= 0),
	       window_id           TEXT NOT NULL,
	       app_id              TEXT NOT NULL,
	       pid                 TEXT NOT NULL,
	       title               TEXT NOT NULL,
	       process_count       INTEGER NOT NULL,
	       process_total       INTEGER NOT NULL,
	       keyboard_active     INTEGER NOT NULL CHECK (keyboard_active IN (0, 1)),
	       mouse_active        INTEGER NOT NULL CHECK (mouse_active IN (0, 1)),
	       avg_rate            REAL NOT NULL,
	       instant_rate        REAL NOT NULL,
	       keys_per_tick       INTEGER NOT NULL,
	       burst_sec           REAL NOT NULL,
	       idle_sec            REAL NOT NULL,
	       focus_streak_sec    REAL NOT NULL,
	       window_switch_count INTEGER NOT NULL,
	       rate_delta          REAL NOT NULL,
	       gpu                 TEXT NOT NULL CHECK (json_valid(gpu))
	   );
	   CREATE INDEX IF NOT EXISTS samples_timestamp ON samples (timestamp);`

	insertSampleSQL = `
    INSERT INTO samples (
        timestamp,
        cpu_percent, ram_percent,
        disk_read_bps, disk_write_bps, net_in_bps, net_out_bps,
        window_id, app_id, pid, title,
        process_count, process_total,
        keyboard_active, mouse_active,
        avg_rate, instant_rate, keys_per_tick,
        burst_sec, idle_sec, focus_streak_sec,
        window_switch_count, rate_delta,
        gpu
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates the samples and schema_versions tables at SchemaVersion
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Int("version", SchemaVersion).Msg("Creating samples schema")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				// Only log if it's not the "already committed" error
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	// Execute schema creation
	log.Debug().Str("sql", createTablesSQL).Msg("Executing SQL statement")
	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	log.Debug().Msg("Recording schema version...")
	// Record schema version
	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	log.Debug().Msg("Committing transaction...")
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Samples schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}

// GetInsertSampleSQL returns the SQL to insert a sample row
func GetInsertSampleSQL() string {
	return insertSampleSQL
}
