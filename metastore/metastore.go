// Package metastore wraps an embedded SQL engine (SQLite via modernc.org/
// sqlite) as the spectra metadata store: one row per spectrum holding the
// scalar fields plus the key into array storage. The SQL engine is treated
// as a black box; this package owns the schema, batched construction-time
// inserts, bulk fetch-by-position and the translation of query predicates
// into WHERE clauses.
//
// Two schemas exist, chosen at creation time: the plain schema keeps only a
// chunk key per row and leaves peak arrays to a separate array store, the
// embedded schema adds mz/intensity BLOB columns holding the arrays as
// little-endian float64s.
package metastore

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	_ "modernc.org/sqlite"

	"github.com/mzdex/mzdex"
)

// Row is one spectrum's metadata row. Idx is the 0-based ingestion position
// and doubles as the primary key; Chunk keys into the array store in the
// plain schema; MZ/Intensity are populated only by the embedded schema.
type Row struct {
	Idx                int
	ID                 string
	PrecursorMZ        float64
	PrecursorIntensity float64
	Charge             int
	RetentionTime      float64
	NumPeaks           int
	Chunk              int
	Params             map[string]string
	MZ                 []float64
	Intensity          []float64
}

// Store is a read-mostly metadata store over a single SQLite file.
// Concurrency is bounded by the driver's guarantees; construction (InsertRows)
// must not run concurrently with reads.
type Store struct {
	log *logrus.Logger

	db          *sql.DB
	embedArrays bool
	count       *atomic.Int64
}

// Create creates a new store file at path with an empty schema. With
// embedArrays set, peak arrays live in BLOB columns of the metadata table
// itself; otherwise rows carry only the chunk key into a separate array store.
func Create(log *logrus.Logger, path string, embedArrays bool) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	schema := `
		CREATE TABLE spectra (
			idx INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			precursor_mz REAL NOT NULL,
			precursor_intensity REAL,
			charge INTEGER NOT NULL,
			retention_time REAL,
			num_peaks INTEGER NOT NULL,
			chunk INTEGER NOT NULL DEFAULT 0,
			params TEXT`
	if embedArrays {
		schema += `,
			mz BLOB NOT NULL,
			intensity BLOB NOT NULL`
	}
	schema += `
		)`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not create schema in %s", path)
	}

	log.Debugf("created metadata store at %v (embedded arrays: %v)", path, embedArrays)

	return &Store{
		log:         log,
		db:          db,
		embedArrays: embedArrays,
		count:       atomic.NewInt64(0),
	}, nil
}

// Open opens an existing store file, detecting which schema it carries.
func Open(log *logrus.Logger, path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	var embedded int
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('spectra') WHERE name = 'mz'`).Scan(&embedded)
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not inspect schema in %s", path)
	}

	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM spectra`).Scan(&n); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not count rows in %s", path)
	}

	return &Store{
		log:         log,
		db:          db,
		embedArrays: embedded > 0,
		count:       atomic.NewInt64(n),
	}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open metadata store: %s", path)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not configure metadata store: %s", path)
	}

	return db, nil
}

// EmbedsArrays reports whether the store carries peak arrays in its own
// BLOB columns.
func (s *Store) EmbedsArrays() bool {
	return s.embedArrays
}

// Count returns the number of rows. O(1); the count is cached at open and
// maintained by InsertRows.
func (s *Store) Count() int {
	return int(s.count.Load())
}

// InsertRows appends the rows inside a single transaction. Batching inserts
// per transaction is what keeps construction throughput acceptable on large
// sources. A duplicate id fails the whole transaction.
func (s *Store) InsertRows(rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "could not begin insert transaction")
	}

	cols := `idx, id, precursor_mz, precursor_intensity, charge, retention_time, num_peaks, chunk, params`
	marks := `?, ?, ?, ?, ?, ?, ?, ?, ?`
	if s.embedArrays {
		cols += `, mz, intensity`
		marks += `, ?, ?`
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO spectra (%s) VALUES (%s)`, cols, marks))
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "could not prepare insert statement")
	}
	defer stmt.Close()

	for _, r := range rows {
		var params interface{}
		if len(r.Params) > 0 {
			data, err := gojson.Marshal(r.Params)
			if err != nil {
				tx.Rollback()
				return errors.Wrapf(err, "could not marshal params for id %q", r.ID)
			}
			params = string(data)
		}

		args := []interface{}{
			r.Idx, r.ID, r.PrecursorMZ, nullableFloat(r.PrecursorIntensity),
			r.Charge, nullableFloat(r.RetentionTime), r.NumPeaks, r.Chunk, params,
		}
		if s.embedArrays {
			args = append(args, floatsToBytes(r.MZ), floatsToBytes(r.Intensity))
		}

		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return errors.Wrapf(mzdex.ErrDuplicateID, "id %q", r.ID)
			}

			return errors.Wrapf(err, "could not insert row for id %q", r.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "could not commit insert transaction")
	}

	s.count.Add(int64(len(rows)))

	return nil
}

const rowCols = `idx, id, precursor_mz, precursor_intensity, charge, retention_time, num_peaks, chunk, params`

// RowAt returns the row at ingestion position idx. The caller checks bounds
// against Count first; a missing row inside bounds is a store inconsistency.
func (s *Store) RowAt(idx int) (*Row, error) {
	r, err := s.scanOne(s.db.QueryRow(s.selectQuery(`WHERE idx = ?`), idx))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(mzdex.ErrStorage, "no metadata row at position %v", idx)
	}

	return r, err
}

// RowByID returns the row with the given id, or mzdex.ErrNotFound.
func (s *Store) RowByID(id string) (*Row, error) {
	r, err := s.scanOne(s.db.QueryRow(s.selectQuery(`WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(mzdex.ErrNotFound, "id %q", id)
	}

	return r, err
}

// maxBoundParams caps the variables bound into one IN clause; SQLite refuses
// statements exceeding its bound-variable limit, so larger fetches split
// into several queries.
const maxBoundParams = 999

// RowsAt fetches the rows for all the given positions in O(k) round trips,
// one per maxBoundParams distinct positions. The result is keyed by
// position; repeated positions share one row.
func (s *Store) RowsAt(indices []int) (map[int]*Row, error) {
	if len(indices) == 0 {
		return map[int]*Row{}, nil
	}

	unique := make([]int, 0, len(indices))
	seen := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		unique = append(unique, i)
	}
	sort.Ints(unique)

	out := make(map[int]*Row, len(unique))
	for start := 0; start < len(unique); start += maxBoundParams {
		end := min(start+maxBoundParams, len(unique))
		if err := s.fetchRows(unique[start:end], out); err != nil {
			return nil, err
		}
	}

	if len(out) != len(unique) {
		return nil, errors.Wrapf(mzdex.ErrStorage, "bulk row fetch returned %v of %v rows", len(out), len(unique))
	}

	return out, nil
}

// fetchRows runs one IN query for a slice of distinct positions and merges
// the rows into out.
func (s *Store) fetchRows(idxs []int, out map[int]*Row) error {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(idxs)), ", ")
	args := make([]interface{}, len(idxs))
	for i, idx := range idxs {
		args[i] = idx
	}

	rows, err := s.db.Query(s.selectQuery(fmt.Sprintf(`WHERE idx IN (%s) ORDER BY idx`, marks)), args...)
	if err != nil {
		return errors.Wrapf(mzdex.ErrStorage, "bulk row fetch failed: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return err
		}
		out[r.Idx] = r
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(mzdex.ErrStorage, "bulk row fetch failed: %v", err)
	}

	return nil
}

// QueryRows translates the predicate into a single WHERE conjunction with
// bound parameters and returns the matching rows. The contract requires
// ingestion order, so the query always orders by the primary key explicitly.
func (s *Store) QueryRows(filters []mzdex.Filter) ([]*Row, error) {
	where, args, err := translate(filters)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(s.selectQuery(where+` ORDER BY idx`), args...)
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "metadata query failed: %v", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "metadata query failed: %v", err)
	}

	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) selectQuery(tail string) string {
	cols := rowCols
	if s.embedArrays {
		cols += `, mz, intensity`
	}

	return fmt.Sprintf(`SELECT %s FROM spectra %s`, cols, tail)
}

// fieldColumns maps queryable fields to their columns. The set matches the
// scalar fields the in-memory matcher understands; peak arrays are absent by
// construction.
var fieldColumns = map[string]string{
	mzdex.FieldID:                 "id",
	mzdex.FieldPrecursorMZ:        "precursor_mz",
	mzdex.FieldPrecursorIntensity: "precursor_intensity",
	mzdex.FieldCharge:             "charge",
	mzdex.FieldRetentionTime:      "retention_time",
}

var opSQL = map[mzdex.Op]string{
	mzdex.OpEqual:        "=",
	mzdex.OpNotEqual:     "<>",
	mzdex.OpGreaterThan:  ">",
	mzdex.OpGreaterEqual: ">=",
	mzdex.OpLessThan:     "<",
	mzdex.OpLessEqual:    "<=",
}

// translate builds the WHERE clause for a filter conjunction. An empty
// filter list selects everything.
func translate(filters []mzdex.Filter) (string, []interface{}, error) {
	if err := mzdex.ValidateFilters(filters); err != nil {
		return "", nil, err
	}

	if len(filters) == 0 {
		return "", nil, nil
	}

	conds := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))

	for _, f := range filters {
		col, ok := fieldColumns[f.Field]
		if !ok {
			return "", nil, errors.Errorf("field %q is not queryable", f.Field)
		}

		op, ok := opSQL[f.Op]
		if !ok {
			return "", nil, errors.Errorf("unknown operator in filter on %q", f.Field)
		}

		conds = append(conds, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, f.Value)
	}

	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOne(row *sql.Row) (*Row, error) {
	r, err := s.scanInto(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "row fetch failed: %v", err)
	}

	return r, nil
}

func (s *Store) scanRow(rows *sql.Rows) (*Row, error) {
	r, err := s.scanInto(rows)
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "row scan failed: %v", err)
	}

	return r, nil
}

func (s *Store) scanInto(src scannable) (*Row, error) {
	var (
		r         Row
		intensity sql.NullFloat64
		rt        sql.NullFloat64
		params    sql.NullString
		mzBlob    []byte
		itBlob    []byte
	)

	dest := []interface{}{
		&r.Idx, &r.ID, &r.PrecursorMZ, &intensity, &r.Charge, &rt, &r.NumPeaks, &r.Chunk, &params,
	}
	if s.embedArrays {
		dest = append(dest, &mzBlob, &itBlob)
	}

	if err := src.Scan(dest...); err != nil {
		return nil, err
	}

	r.PrecursorIntensity = math.NaN()
	if intensity.Valid {
		r.PrecursorIntensity = intensity.Float64
	}

	r.RetentionTime = math.NaN()
	if rt.Valid {
		r.RetentionTime = rt.Float64
	}

	if params.Valid && params.String != "" {
		if err := gojson.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, errors.Wrapf(err, "corrupt params for id %q", r.ID)
		}
	}

	if s.embedArrays {
		r.MZ = bytesToFloats(mzBlob)
		r.Intensity = bytesToFloats(itBlob)
	}

	return &r, nil
}

// nullableFloat maps NaN to SQL NULL so that comparisons against absent
// values exclude the row, matching NaN comparison semantics in the in-memory
// matcher.
func nullableFloat(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}

	return v
}

// floatsToBytes encodes values as consecutive little-endian float64s, the
// BLOB representation of the embedded-array schema.
func floatsToBytes(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}

	return buf
}

func bytesToFloats(buf []byte) []float64 {
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}

	return values
}
