// Package datarecording stores flat records in a SQLite database.
package datarecording

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DefaultBatchSize is the number of buffered entries that triggers a flush.
const DefaultBatchSize = 10000

// A DataRecorder buffers records and writes them to tables in batches.
type DataRecorder interface {
	// CreateTable creates a table whose columns are the fields of
	// sampleEntry. Fields must be of a basic kind.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers an entry of the type the table was created with.
	InsertData(tableName string, entry any)

	// ListTables returns the names of the tables created so far, sorted.
	ListTables() []string

	// Flush writes every buffered entry.
	Flush() error

	// Close flushes and closes the database.
	Close() error
}

// New creates a recorder that writes to path.sqlite3. An empty path picks a
// unique name. Buffered entries are flushed when the program exits through
// atexit.
func New(path string) (DataRecorder, error) {
	if path == "" {
		path = "vmkernel_" + xid.New().String()
	}

	filename := path + ".sqlite3"
	if _, err := os.Stat(filename); err == nil {
		return nil, fmt.Errorf("recording %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Recording to %s\n", filename)

	return NewWithDB(db), nil
}

// NewWithDB creates a recorder that writes to db.
func NewWithDB(db *sql.DB) DataRecorder {
	r := &sqliteRecorder{
		db:        db,
		batchSize: DefaultBatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { _ = r.Flush() })

	return r
}

type table struct {
	name    string
	typ     reflect.Type
	columns []string
	pending [][]any
}

type sqliteRecorder struct {
	lock      sync.Mutex
	db        *sql.DB
	tables    map[string]*table
	batchSize int
	pending   int
	closed    bool
}

func isBasicKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64, reflect.Float32, reflect.Float64, reflect.String:
		return true
	}

	return false
}

func (r *sqliteRecorder) CreateTable(tableName string, sampleEntry any) {
	r.lock.Lock()
	defer r.lock.Unlock()

	typ := reflect.TypeOf(sampleEntry)
	if typ.Kind() != reflect.Struct {
		log.Panicf("datarecording: entry of table %s is a %s, not a struct",
			tableName, typ.Kind())
	}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !isBasicKind(f.Type.Kind()) {
			log.Panicf("datarecording: field %s of table %s has kind %s",
				f.Name, tableName, f.Type.Kind())
		}
	}

	if _, ok := r.tables[tableName]; ok {
		log.Panicf("datarecording: table %s created twice", tableName)
	}

	columns := structs.Names(sampleEntry)
	stmt := fmt.Sprintf("CREATE TABLE %q (\n\t%s\n);",
		tableName, strings.Join(columns, ",\n\t"))
	if _, err := r.db.Exec(stmt); err != nil {
		log.Panicf("datarecording: creating table %s: %v", tableName, err)
	}

	r.tables[tableName] = &table{
		name:    tableName,
		typ:     typ,
		columns: columns,
	}
}

func (r *sqliteRecorder) InsertData(tableName string, entry any) {
	r.lock.Lock()

	t, ok := r.tables[tableName]
	if !ok {
		r.lock.Unlock()
		log.Panicf("datarecording: table %s does not exist", tableName)
	}

	if reflect.TypeOf(entry) != t.typ {
		r.lock.Unlock()
		log.Panicf("datarecording: inserting %T into table %s of %s",
			entry, tableName, t.typ)
	}

	t.pending = append(t.pending, structs.Values(entry))
	r.pending++
	full := r.pending >= r.batchSize
	r.lock.Unlock()

	if full {
		if err := r.Flush(); err != nil {
			log.Panicf("datarecording: %v", err)
		}
	}
}

func (r *sqliteRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *sqliteRecorder) Flush() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.pending == 0 || r.closed {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	for _, t := range r.tables {
		if err := t.flush(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	r.pending = 0

	return nil
}

func (t *table) flush(tx *sql.Tx) error {
	if len(t.pending) == 0 {
		return nil
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	stmt, err := tx.Prepare(
		fmt.Sprintf("INSERT INTO %q VALUES (%s)", t.name, marks))
	if err != nil {
		return fmt.Errorf("preparing insert into %s: %w", t.name, err)
	}
	defer stmt.Close()

	for _, row := range t.pending {
		if _, err := stmt.Exec(row...); err != nil {
			return fmt.Errorf("inserting into %s: %w", t.name, err)
		}
	}

	t.pending = nil

	return nil
}

func (r *sqliteRecorder) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	return r.db.Close()
}
