package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS configs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_at TEXT,
	updated_at TEXT
);
CREATE TABLE IF NOT EXISTS qc_configs (
	config_id               INTEGER PRIMARY KEY REFERENCES configs(id) ON DELETE CASCADE,
	routine_qc_iterations   INTEGER,
	update_mode             INTEGER,
	range_check             INTEGER,
	spike_test              INTEGER,
	stuck_value_test        INTEGER,
	probability_threshold   REAL,
	valid_days_minimum      REAL,
	flag_iteration          INTEGER,
	workers                 INTEGER,
	store_backend           TEXT,
	store_path              TEXT,
	store_connection_string TEXT,
	averaging_cadence       TEXT,
	averaging_tolerance     REAL,
	averaging_half_step     INTEGER
);
CREATE TABLE IF NOT EXISTS depth_configs (
	config_id             INTEGER PRIMARY KEY REFERENCES configs(id) ON DELETE CASCADE,
	minimum_spacing       REAL,
	relative_threshold    REAL,
	filled_data_threshold REAL,
	tolerance             REAL,
	fill_value            REAL
);
CREATE TABLE IF NOT EXISTS range_checks (
	config_id INTEGER NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	variable  TEXT NOT NULL,
	minimum   REAL NOT NULL,
	maximum   REAL NOT NULL,
	PRIMARY KEY (config_id, variable)
);
CREATE TABLE IF NOT EXISTS stuck_exceptions (
	config_id   INTEGER NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	institution TEXT NOT NULL,
	variable    TEXT NOT NULL,
	value       REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS variables (
	config_id     INTEGER NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	standard_name TEXT NOT NULL,
	PRIMARY KEY (config_id, position)
);
`

// qcTunableColumns were added to qc_configs after its first version.
// Databases created before them gain the columns when opened.
var qcTunableColumns = []struct{ name, decl string }{
	{"spike_neighbours", "INTEGER"},
	{"spike_multiplier", "REAL"},
	{"stuck_minimum_count", "INTEGER"},
	{"stuck_neighbours", "INTEGER"},
	{"stuck_multiplier", "REAL"},
	{"density_min", "REAL"},
	{"density_max", "REAL"},
	{"density_step", "REAL"},
	{"bandwidth", "REAL"},
	{"accepted_flags", "TEXT"},
}

const defaultConfigID = `(SELECT id FROM configs WHERE name = 'default')`

// SQLiteProvider implements ConfigProvider for SQLite database configuration
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create configuration schema: %w", err)
	}

	s := &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}
	if err := s.addMissingColumns(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade configuration schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteProvider) addMissingColumns() error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('qc_configs')`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range qcTunableColumns {
		if existing[c.name] {
			continue
		}
		if _, err := s.db.Exec(`ALTER TABLE qc_configs ADD COLUMN ` + c.name + ` ` + c.decl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	return nil
}

// LoadConfig loads the complete configuration from SQLite database. Columns
// left NULL keep their DefaultConfig value.
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	config := DefaultConfig()

	if err := s.loadQCRow(config); err != nil {
		return nil, fmt.Errorf("failed to load qc config: %w", err)
	}
	if err := s.loadDepthRow(&config.Depth); err != nil {
		return nil, fmt.Errorf("failed to load depth config: %w", err)
	}

	rangeChecks, err := s.GetRangeChecks()
	if err != nil {
		return nil, fmt.Errorf("failed to load range checks: %w", err)
	}
	config.RangeChecks = rangeChecks

	exceptions, err := s.GetStuckExceptions()
	if err != nil {
		return nil, fmt.Errorf("failed to load stuck exceptions: %w", err)
	}
	if len(exceptions) > 0 {
		config.StuckExceptions = exceptions
	}

	variables, err := s.GetVariables()
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	config.Variables = variables

	return config, nil
}

func (s *SQLiteProvider) loadQCRow(config *ConfigData) error {
	query := `
		SELECT routine_qc_iterations, update_mode, range_check, spike_test, stuck_value_test,
		       spike_neighbours, spike_multiplier, stuck_minimum_count, stuck_neighbours, stuck_multiplier,
		       probability_threshold, valid_days_minimum,
		       density_min, density_max, density_step, bandwidth,
		       flag_iteration, accepted_flags, workers,
		       store_backend, store_path, store_connection_string,
		       averaging_cadence, averaging_tolerance, averaging_half_step
		FROM qc_configs
		WHERE config_id = ` + defaultConfigID

	var iterations, spikeNeighbours, stuckMinimum, stuckNeighbours, flagIteration, workers sql.NullInt64
	var updateMode, rangeCheck, spikeTest, stuckValueTest, halfStep sql.NullBool
	var spikeMultiplier, stuckMultiplier, probability, validDays sql.NullFloat64
	var densityMin, densityMax, densityStep, bandwidth, tolerance sql.NullFloat64
	var acceptedFlags, backend, path, connection, cadence sql.NullString

	err := s.db.QueryRow(query).Scan(
		&iterations, &updateMode, &rangeCheck, &spikeTest, &stuckValueTest,
		&spikeNeighbours, &spikeMultiplier, &stuckMinimum, &stuckNeighbours, &stuckMultiplier,
		&probability, &validDays,
		&densityMin, &densityMax, &densityStep, &bandwidth,
		&flagIteration, &acceptedFlags, &workers,
		&backend, &path, &connection,
		&cadence, &tolerance, &halfStep,
	)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	// Convert nullable fields, keeping defaults if NULL
	qc := &config.QC
	setInt(&qc.Iterations, iterations)
	setBool(&qc.UpdateMode, updateMode)
	setBool(&qc.RangeCheck, rangeCheck)
	setBool(&qc.SpikeTest, spikeTest)
	setBool(&qc.StuckValueTest, stuckValueTest)
	setInt(&qc.SpikeNeighbours, spikeNeighbours)
	setFloat(&qc.SpikeMultiplier, spikeMultiplier)
	setInt(&qc.StuckMinimumCount, stuckMinimum)
	setInt(&qc.StuckNeighbours, stuckNeighbours)
	setFloat(&qc.StuckMultiplier, stuckMultiplier)
	setFloat(&qc.ProbabilityThreshold, probability)
	setFloat(&qc.ValidDaysMinimum, validDays)
	setFloat(&qc.DensityMin, densityMin)
	setFloat(&qc.DensityMax, densityMax)
	setFloat(&qc.DensityStep, densityStep)
	setFloat(&qc.Bandwidth, bandwidth)
	setInt(&qc.FlagIteration, flagIteration)
	if acceptedFlags.Valid {
		flags, err := parseFlags(acceptedFlags.String)
		if err != nil {
			return err
		}
		qc.AcceptedFlags = flags
	}
	setInt(&config.Workers, workers)

	if backend.Valid {
		config.Store = StoreData{
			Backend:          backend.String,
			Path:             path.String,
			ConnectionString: connection.String,
		}
	}
	if cadence.Valid {
		config.Averaging = &AveragingData{
			Cadence:          cadence.String,
			TolerancePercent: 10,
			HalfStepShift:    halfStep.Valid && halfStep.Bool,
		}
		setFloat(&config.Averaging.TolerancePercent, tolerance)
	}
	return nil
}

func (s *SQLiteProvider) loadDepthRow(depth *DepthData) error {
	var spacing, relative, filled, tolerance, fill sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT minimum_spacing, relative_threshold, filled_data_threshold, tolerance, fill_value
		FROM depth_configs
		WHERE config_id = `+defaultConfigID,
	).Scan(&spacing, &relative, &filled, &tolerance, &fill)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	setFloat(&depth.MinimumSpacing, spacing)
	setFloat(&depth.RelativeThreshold, relative)
	setFloat(&depth.FilledDataThreshold, filled)
	setFloat(&depth.Tolerance, tolerance)
	setFloat(&depth.FillValue, fill)
	return nil
}

// GetQCConfig returns the QC section from the database
func (s *SQLiteProvider) GetQCConfig() (*QCData, error) {
	config := DefaultConfig()
	if err := s.loadQCRow(config); err != nil {
		return nil, err
	}
	return &config.QC, nil
}

// GetStoreConfig returns the artifact store section from the database
func (s *SQLiteProvider) GetStoreConfig() (*StoreData, error) {
	config := DefaultConfig()
	if err := s.loadQCRow(config); err != nil {
		return nil, err
	}
	return &config.Store, nil
}

// GetRangeChecks returns range check configurations from the database, or
// the default table when none are stored
func (s *SQLiteProvider) GetRangeChecks() ([]RangeCheckData, error) {
	rows, err := s.db.Query(`
		SELECT variable, minimum, maximum
		FROM range_checks
		WHERE config_id = ` + defaultConfigID + `
		ORDER BY variable
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query range checks: %w", err)
	}
	defer rows.Close()

	var out []RangeCheckData
	for rows.Next() {
		var r RangeCheckData
		if err := rows.Scan(&r.Variable, &r.Min, &r.Max); err != nil {
			return nil, fmt.Errorf("failed to scan range check row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return DefaultConfig().RangeChecks, nil
	}
	return out, nil
}

// GetStuckExceptions returns the stuck value exceptions from the database
func (s *SQLiteProvider) GetStuckExceptions() ([]StuckExceptionData, error) {
	rows, err := s.db.Query(`
		SELECT institution, variable, value
		FROM stuck_exceptions
		WHERE config_id = ` + defaultConfigID + `
		ORDER BY institution, variable
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck exceptions: %w", err)
	}
	defer rows.Close()

	var out []StuckExceptionData
	for rows.Next() {
		var e StuckExceptionData
		if err := rows.Scan(&e.Institution, &e.Variable, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan stuck exception row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetVariables returns the standard names processing is restricted to, in
// their configured order
func (s *SQLiteProvider) GetVariables() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT standard_name
		FROM variables
		WHERE config_id = ` + defaultConfigID + `
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan variable row: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// IsReadOnly returns false since SQLite configuration can be modified
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveConfig saves complete configuration to the database
func (s *SQLiteProvider) SaveConfig(configData *ConfigData) error {
	// Start transaction
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	configID, err := s.getOrCreateConfigID(tx)
	if err != nil {
		return fmt.Errorf("failed to insert config: %w", err)
	}

	// Clear existing data
	if err := s.clearExistingConfig(tx, configID); err != nil {
		return fmt.Errorf("failed to clear existing config: %w", err)
	}

	if err := s.insertQCConfig(tx, configID, configData); err != nil {
		return fmt.Errorf("failed to insert qc config: %w", err)
	}
	d := configData.Depth
	if _, err := tx.Exec(`
		INSERT INTO depth_configs (
			config_id, minimum_spacing, relative_threshold, filled_data_threshold, tolerance, fill_value
		) VALUES (?, ?, ?, ?, ?, ?)`,
		configID, d.MinimumSpacing, d.RelativeThreshold, d.FilledDataThreshold, d.Tolerance, d.FillValue,
	); err != nil {
		return fmt.Errorf("failed to insert depth config: %w", err)
	}
	for _, r := range configData.RangeChecks {
		if _, err := tx.Exec(
			`INSERT INTO range_checks (config_id, variable, minimum, maximum) VALUES (?, ?, ?, ?)`,
			configID, r.Variable, r.Min, r.Max,
		); err != nil {
			return fmt.Errorf("failed to insert range check %s: %w", r.Variable, err)
		}
	}
	for _, e := range configData.StuckExceptions {
		if _, err := tx.Exec(
			`INSERT INTO stuck_exceptions (config_id, institution, variable, value) VALUES (?, ?, ?, ?)`,
			configID, e.Institution, e.Variable, e.Value,
		); err != nil {
			return fmt.Errorf("failed to insert stuck exception %s/%s: %w", e.Institution, e.Variable, err)
		}
	}
	for i, name := range configData.Variables {
		if _, err := tx.Exec(
			`INSERT INTO variables (config_id, position, standard_name) VALUES (?, ?, ?)`,
			configID, i, name,
		); err != nil {
			return fmt.Errorf("failed to insert variable %s: %w", name, err)
		}
	}

	// Commit transaction
	return tx.Commit()
}

func (s *SQLiteProvider) getOrCreateConfigID(tx *sql.Tx) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM configs WHERE name = 'default'`).Scan(&id)
	if err == nil {
		_, err = tx.Exec(`UPDATE configs SET updated_at = datetime('now') WHERE id = ?`, id)
		return id, err
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	result, err := tx.Exec(`INSERT INTO configs (name, created_at, updated_at) VALUES ('default', datetime('now'), datetime('now'))`)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteProvider) clearExistingConfig(tx *sql.Tx, configID int64) error {
	queries := []string{
		"DELETE FROM qc_configs WHERE config_id = ?",
		"DELETE FROM depth_configs WHERE config_id = ?",
		"DELETE FROM range_checks WHERE config_id = ?",
		"DELETE FROM stuck_exceptions WHERE config_id = ?",
		"DELETE FROM variables WHERE config_id = ?",
	}

	for _, query := range queries {
		if _, err := tx.Exec(query, configID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteProvider) insertQCConfig(tx *sql.Tx, configID int64, c *ConfigData) error {
	query := `
		INSERT INTO qc_configs (
			config_id, routine_qc_iterations, update_mode, range_check, spike_test, stuck_value_test,
			spike_neighbours, spike_multiplier, stuck_minimum_count, stuck_neighbours, stuck_multiplier,
			probability_threshold, valid_days_minimum,
			density_min, density_max, density_step, bandwidth,
			flag_iteration, accepted_flags, workers,
			store_backend, store_path, store_connection_string,
			averaging_cadence, averaging_tolerance, averaging_half_step
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var cadence sql.NullString
	var tolerance sql.NullFloat64
	var halfStep sql.NullBool
	if c.Averaging != nil {
		cadence = sql.NullString{String: c.Averaging.Cadence, Valid: true}
		tolerance = sql.NullFloat64{Float64: c.Averaging.TolerancePercent, Valid: true}
		halfStep = sql.NullBool{Bool: c.Averaging.HalfStepShift, Valid: true}
	}
	var acceptedFlags sql.NullString
	if c.QC.AcceptedFlags != nil {
		acceptedFlags = sql.NullString{String: formatFlags(c.QC.AcceptedFlags), Valid: true}
	}

	q := c.QC
	_, err := tx.Exec(query,
		configID, q.Iterations, q.UpdateMode, q.RangeCheck, q.SpikeTest, q.StuckValueTest,
		q.SpikeNeighbours, q.SpikeMultiplier, q.StuckMinimumCount, q.StuckNeighbours, q.StuckMultiplier,
		q.ProbabilityThreshold, q.ValidDaysMinimum,
		q.DensityMin, q.DensityMax, q.DensityStep, q.Bandwidth,
		q.FlagIteration, acceptedFlags, c.Workers,
		nullString(c.Store.Backend), nullString(c.Store.Path), nullString(c.Store.ConnectionString),
		cadence, tolerance, halfStep,
	)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func setInt(dst *int, v sql.NullInt64) {
	if v.Valid {
		*dst = int(v.Int64)
	}
}

func setFloat(dst *float64, v sql.NullFloat64) {
	if v.Valid {
		*dst = v.Float64
	}
}

func setBool(dst *bool, v sql.NullBool) {
	if v.Valid {
		*dst = v.Bool
	}
}

// formatFlags stores accepted flag values as a comma separated list.
func formatFlags(flags []int) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

func parseFlags(s string) ([]int, error) {
	flags := []int{}
	if s == "" {
		return flags, nil
	}
	for _, p := range strings.Split(s, ",") {
		f, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid accepted flag %q: %w", p, err)
		}
		flags = append(flags, f)
	}
	return flags, nil
}
