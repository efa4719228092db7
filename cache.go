package pfilter

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// CacheFile is a hierarchical store of named datasets in a single SQLite
// file. Dataset paths are slash-separated, as in HDF5: "<group>/<name>".
type CacheFile struct {
	path string
	db   *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS datasets(
	path TEXT PRIMARY KEY,
	dtype TEXT NOT NULL,
	shape TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS obs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	unit TEXT NOT NULL,
	source TEXT NOT NULL,
	period INTEGER NOT NULL,
	date TEXT NOT NULL,
	value REAL NOT NULL,
	incomplete INTEGER NOT NULL,
	upper_bound REAL NOT NULL
);`

// OpenCache opens (creating if necessary) the cache file at path.
func OpenCache(path string) (*CacheFile, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCache, path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCache, path, err)
	}
	return &CacheFile{path: path, db: db}, nil
}

func (c *CacheFile) Path() string { return c.path }

func (c *CacheFile) Close() error { return c.db.Close() }

// Update runs fn inside a write transaction; the changes are discarded if fn
// returns an error.
func (c *CacheFile) Update(fn func(root *Group) error) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCache, err)
	}
	if err := fn(&Group{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %v", ErrCache, c.path, err)
	}
	return nil
}

// View runs fn inside a transaction that is never committed.
func (c *CacheFile) View(fn func(root *Group) error) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCache, err)
	}
	defer tx.Rollback()
	return fn(&Group{tx: tx})
}

// Groups returns the names of the top-level groups that contain a dataset
// with the given name, e.g. every checkpoint ("hist").
func (c *CacheFile) Groups(dataset string) ([]string, error) {
	rows, err := c.db.Query(`SELECT path FROM datasets ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCache, err)
		}
		parts := strings.Split(path, "/")
		if len(parts) == 2 && parts[1] == dataset {
			names = append(names, parts[0])
		}
	}
	return names, rows.Err()
}

// Group is a node in the dataset hierarchy, bound to a transaction.
type Group struct {
	path string
	tx   *sql.Tx
}

// Sub returns the child group with the given name.
func (g *Group) Sub(name string) *Group {
	return &Group{path: g.key(name), tx: g.tx}
}

func (g *Group) Path() string { return g.path }

func (g *Group) key(name string) string {
	if g.path == "" {
		return name
	}
	return g.path + "/" + name
}

// Has reports whether the dataset or group called name exists.
func (g *Group) Has(name string) (bool, error) {
	k := g.key(name)
	var n int
	err := g.tx.QueryRow(
		`SELECT COUNT(*) FROM datasets WHERE path = ? OR substr(path, 1, ?) = ?`,
		k, len(k)+1, k+"/").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return n > 0, nil
}

// Delete removes the dataset or group called name, and everything below it.
func (g *Group) Delete(name string) error {
	k := g.key(name)
	_, err := g.tx.Exec(
		`DELETE FROM datasets WHERE path = ? OR substr(path, 1, ?) = ?`,
		k, len(k)+1, k+"/")
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrCache, k, err)
	}
	return nil
}

func (g *Group) write(name, dtype string, shape []int, data []byte) error {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	_, err := g.tx.Exec(
		`INSERT OR REPLACE INTO datasets(path, dtype, shape, data) VALUES(?,?,?,?)`,
		g.key(name), dtype, strings.Join(dims, ","), data)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCache, g.key(name), err)
	}
	return nil
}

// errNoDataset is returned by the read methods for missing datasets.
var errNoDataset = errors.New("no such dataset")

func (g *Group) read(name, dtype string) ([]int, []byte, error) {
	var (
		gotType string
		shape   string
		data    []byte
	)
	err := g.tx.QueryRow(`SELECT dtype, shape, data FROM datasets WHERE path = ?`,
		g.key(name)).Scan(&gotType, &shape, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrCache, g.key(name), errNoDataset)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrCache, g.key(name), err)
	}
	if gotType != dtype {
		return nil, nil, fmt.Errorf("%w: %s has type %s, expected %s",
			ErrCache, g.key(name), gotType, dtype)
	}
	var dims []int
	if shape != "" {
		for _, s := range strings.Split(shape, ",") {
			d, err := strconv.Atoi(s)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %s has shape %q", ErrCache, g.key(name), shape)
			}
			dims = append(dims, d)
		}
	}
	return dims, data, nil
}

// WriteFloat64s stores a float64 array with the given shape, replacing any
// existing dataset of the same name.
func (g *Group) WriteFloat64s(name string, shape []int, values []float64) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrCache, g.key(name), err)
	}
	return g.write(name, "float64", shape, buf.Bytes())
}

func (g *Group) ReadFloat64s(name string) ([]float64, []int, error) {
	shape, data, err := g.read(name, "float64")
	if err != nil {
		return nil, nil, err
	}
	values := make([]float64, len(data)/8)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, values); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %v", ErrCache, g.key(name), err)
	}
	return values, shape, nil
}

// WriteInt32 stores a scalar int32 dataset.
func (g *Group) WriteInt32(name string, v int32) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	return g.write(name, "int32", nil, buf.Bytes())
}

func (g *Group) ReadInt32(name string) (int32, error) {
	_, data, err := g.read(name, "int32")
	if err != nil {
		return 0, err
	}
	var v int32
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrCache, g.key(name), err)
	}
	return v, nil
}

// WriteBytes stores an opaque byte string.
func (g *Group) WriteBytes(name string, b []byte) error {
	return g.write(name, "bytes", []int{len(b)}, b)
}

func (g *Group) ReadBytes(name string) ([]byte, error) {
	_, data, err := g.read(name, "bytes")
	return data, err
}

// --- CHECKPOINTS ---

// SaveCheckpoint records the simulation state under the group key,
// replacing any previous checkpoint with the same key.
func (c *CacheFile) SaveCheckpoint(key string, st *State, summary Summary) error {
	return c.Update(func(root *Group) error {
		if err := root.Delete(key); err != nil {
			return err
		}
		grp := root.Sub(key)
		if err := grp.WriteInt32("offset", int32(st.Offset)); err != nil {
			return err
		}
		if err := grp.WriteFloat64s("hist", st.Hist.Shape(), st.Hist.Raw()); err != nil {
			return err
		}
		if err := grp.WriteFloat64s("epoch", []int{1}, []float64{st.Epoch}); err != nil {
			return err
		}
		if err := grp.WriteInt32("since_resample", int32(st.SinceResample)); err != nil {
			return err
		}
		if st.prng != nil {
			if err := grp.WriteBytes("prng", st.prng); err != nil {
				return err
			}
		}
		return summary.SaveState(grp.Sub("summary"))
	})
}

// LoadCheckpoint reads the state saved under key, and restores the summary
// state saved with it. It returns (nil, nil) if there is no such checkpoint.
func (c *CacheFile) LoadCheckpoint(p *Params, key string, summary Summary) (*State, error) {
	var st *State
	err := c.View(func(root *Group) error {
		ok, err := root.Has(key + "/hist")
		if err != nil || !ok {
			return err
		}
		grp := root.Sub(key)
		data, shape, err := grp.ReadFloat64s("hist")
		if err != nil {
			return err
		}
		h, err := historyFromRaw(shape, data, p.StateCols())
		if err != nil {
			return fmt.Errorf("%w: checkpoint %s: %v", ErrCache, key, err)
		}
		offset, err := grp.ReadInt32("offset")
		if err != nil {
			return err
		}
		if int(offset) < 0 || int(offset) >= h.Steps {
			return fmt.Errorf("%w: checkpoint %s has offset %d for %d rows",
				ErrCache, key, offset, h.Steps)
		}
		loaded := &State{Hist: h, Offset: int(offset), SinceResample: -1}
		if epoch, _, err := grp.ReadFloat64s("epoch"); err == nil && len(epoch) == 1 {
			loaded.Epoch = epoch[0]
		}
		if since, err := grp.ReadInt32("since_resample"); err == nil {
			loaded.SinceResample = int(since)
		}
		if prng, err := grp.ReadBytes("prng"); err == nil {
			loaded.prng = prng
		}
		if err := summary.LoadState(grp.Sub("summary")); err != nil {
			return err
		}
		st = loaded
		return nil
	})
	return st, err
}

// --- OBSERVATIONS ---

// SaveObservations replaces the cached observation list.
func (c *CacheFile) SaveObservations(ts TimeScale, obs []Observation) error {
	return c.Update(func(root *Group) error {
		if _, err := root.tx.Exec(`DELETE FROM obs`); err != nil {
			return fmt.Errorf("%w: %v", ErrCache, err)
		}
		for _, o := range obs {
			_, err := root.tx.Exec(
				`INSERT INTO obs(unit, source, period, date, value, incomplete, upper_bound)
				VALUES(?,?,?,?,?,?,?)`,
				o.Unit, o.Source, o.Period, ts.Format(o.Date), o.Value, o.Incomplete, o.UpperBound)
			if err != nil {
				return fmt.Errorf("%w: save observation: %v", ErrCache, err)
			}
		}
		// Marks the observation list as present, even when it is empty
		return root.WriteInt32("obs", int32(len(obs)))
	})
}

// LoadObservations returns the cached observation list, and whether the
// cache file has one at all.
func (c *CacheFile) LoadObservations(ts TimeScale) ([]Observation, bool, error) {
	var obs []Observation
	found := false
	err := c.View(func(root *Group) error {
		ok, err := root.Has("obs")
		if err != nil || !ok {
			return err
		}
		found = true
		rows, err := root.tx.Query(
			`SELECT unit, source, period, date, value, incomplete, upper_bound FROM obs ORDER BY id`)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCache, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				o    Observation
				date string
			)
			if err := rows.Scan(&o.Unit, &o.Source, &o.Period, &date, &o.Value,
				&o.Incomplete, &o.UpperBound); err != nil {
				return fmt.Errorf("%w: %v", ErrCache, err)
			}
			if o.Date, err = ts.Parse(date); err != nil {
				return fmt.Errorf("%w: observation date %q: %v", ErrCache, date, err)
			}
			obs = append(obs, o)
		}
		return rows.Err()
	})
	return obs, found, err
}
