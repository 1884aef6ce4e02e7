package effmap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/btagflow/btagflow/pkg/errors"
	"github.com/btagflow/btagflow/pkg/sink"
)

// Input is one dataset's emitted rows on disk.
type Input struct {
	Dataset string
	Path    string
	Format  string
}

// formatRank orders formats when several outputs exist for a dataset.
var formatRank = map[string]int{"duckdb": 0, "parquet": 1, "csv": 2}

// Discover lists the emitted outputs in dir, one per dataset. Event
// sidecars are skipped. When a dataset has several outputs the DuckDB
// file wins, then Parquet, then CSV.
func Discover(dir string) ([]Input, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to read input directory").
			WithContext("dir", dir)
	}

	best := make(map[string]Input)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		format := sink.FormatFor(e.Name())
		if format == "" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasSuffix(name, "_events") {
			continue
		}
		in := Input{Dataset: name, Path: filepath.Join(dir, e.Name()), Format: format}
		if cur, ok := best[name]; !ok || formatRank[format] < formatRank[cur.Format] {
			best[name] = in
		}
	}

	out := make([]Input, 0, len(best))
	for _, in := range best {
		out = append(out, in)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Dataset < out[k].Dataset })
	return out, nil
}

// Loader reads emitted rows through an in-memory DuckDB.
type Loader struct {
	db       *sql.DB
	attached int
}

// NewLoader opens the query engine.
func NewLoader() (*Loader, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to open duckdb")
	}
	// Attached databases are per connection.
	db.SetMaxOpenConns(1)
	return &Loader{db: db}, nil
}

// Close releases the engine.
func (l *Loader) Close() error {
	return l.db.Close()
}

// relations returns the SQL relations of the jets and, when present, the
// events of one input.
func (l *Loader) relations(ctx context.Context, in Input) (jets, events string, err error) {
	switch in.Format {
	case "duckdb":
		// Distinct names can sanitize to the same identifier.
		alias := fmt.Sprintf("src_%d_%s", l.attached, sanitize(in.Dataset))
		l.attached++
		q := fmt.Sprintf("ATTACH '%s' AS %s (READ_ONLY)", sink.QuoteSQL(in.Path), alias)
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return "", "", errors.Wrap(err, errors.CodeSourceOpen, "failed to attach database").
				WithContext("path", in.Path)
		}
		return alias + "." + sink.JetsTable, alias + "." + sink.EventsTable, nil
	case "parquet", "csv":
		reader := "read_parquet"
		if in.Format == "csv" {
			reader = "read_csv_auto"
		}
		jets = fmt.Sprintf("%s('%s')", reader, sink.QuoteSQL(in.Path))
		if side := sink.EventsPath(in.Path); fileExists(side) {
			events = fmt.Sprintf("%s('%s')", reader, sink.QuoteSQL(side))
		}
		return jets, events, nil
	default:
		return "", "", errors.New(errors.CodeSourceOpen, "unsupported input format").
			WithContext("format", in.Format)
	}
}

// Load reads the jets of one input with their event weights. Rows
// without an events table get unit weight.
func (l *Loader) Load(ctx context.Context, in Input) ([]Jet, error) {
	jets, events, err := l.relations(ctx, in)
	if err != nil {
		return nil, err
	}

	weight := "1.0"
	from := jets + " j"
	if events != "" {
		weight = "COALESCE(e.evtWeight, 1.0)"
		from += " LEFT JOIN " + events + " e ON j.EventPosition = e.EventPosition"
	}
	q := fmt.Sprintf(`SELECT
		CAST(j.Jet_pt AS DOUBLE), CAST(j.Jet_eta AS DOUBLE),
		CAST(j.Jet_hadronFlavour AS BIGINT),
		CAST(j.Jet_btagDeepB AS DOUBLE), CAST(j.Jet_btagDeepFlavB AS DOUBLE),
		CAST(%s AS DOUBLE)
		FROM %s`, weight, from)

	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceDecode, "failed to query rows").
			WithContext("path", in.Path)
	}
	defer rows.Close()

	var out []Jet
	for rows.Next() {
		var (
			j   Jet
			flv int64
		)
		if err := rows.Scan(&j.Pt, &j.Eta, &flv, &j.DeepB, &j.DeepFlavB, &j.Weight); err != nil {
			return nil, errors.Wrap(err, errors.CodeSourceDecode, "failed to scan row").
				WithContext("path", in.Path)
		}
		j.HadronFlavour = int(flv)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceDecode, "failed to read rows").
			WithContext("path", in.Path)
	}
	return out, nil
}

// LoadAll reads every input, keyed by dataset.
func (l *Loader) LoadAll(ctx context.Context, inputs []Input) (map[string][]Jet, error) {
	out := make(map[string][]Jet, len(inputs))
	for _, in := range inputs {
		jets, err := l.Load(ctx, in)
		if err != nil {
			return nil, err
		}
		out[in.Dataset] = append(out[in.Dataset], jets...)
	}
	return out, nil
}

// Group merges member datasets under one name and drops datasets
// matching Drop. Patterns use path.Match syntax.
type Group struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
	Drop    []string `yaml:"drop"`
}

// DefaultGroups keeps only the inclusive Drell-Yan sample.
func DefaultGroups() []Group {
	return []Group{{
		Name:    "DYJetsToLL",
		Members: []string{"DYJetsToLL_Pt-Inclusive"},
		Drop:    []string{"DYJetsToLL_*"},
	}}
}

// ApplyGroups merges datasets in place.
func ApplyGroups(datasets map[string][]Jet, groups []Group) {
	for _, g := range groups {
		var merged []Jet
		found := false
		for _, name := range sortedNames(datasets) {
			if matchAny(g.Members, name) {
				merged = append(merged, datasets[name]...)
				found = true
			}
		}
		for _, name := range sortedNames(datasets) {
			if matchAny(g.Members, name) || matchAny(g.Drop, name) {
				delete(datasets, name)
			}
		}
		if found {
			datasets[g.Name] = append(datasets[g.Name], merged...)
		}
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func sortedNames(m map[string][]Jet) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
