package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

type Reader struct {
	fs  afero.Fs
	dir string
}

func NewReader(dir string, fs afero.Fs) *Reader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Reader{fs: fs, dir: dir}
}

// ReadAll returns every event under the directory ordered by timestamp.
// Equal timestamps keep file-name order, then line order. A malformed line
// fails the whole read.
func (r *Reader) ReadAll() ([]Event, error) {
	return r.read(func(string) bool { return true })
}

func (r *Reader) ReadByTable(table string) ([]Event, error) {
	all, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.Table == table {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReadBySession reads only the files written by one session.
func (r *Reader) ReadBySession(sessionID string) ([]Event, error) {
	suffix := "-" + sessionID + ".jsonl"
	return r.read(func(name string) bool { return strings.HasSuffix(name, suffix) })
}

func (r *Reader) files(keep func(string) bool) ([]string, error) {
	entries, err := afero.ReadDir(r.fs, r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list events dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || !keep(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *Reader) read(keep func(string) bool) ([]Event, error) {
	names, err := r.files(keep)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, name := range names {
		path := filepath.Join(r.dir, name)
		evs, err := r.readFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time().Before(out[j].Time())
	})
	return out, nil
}

func (r *Reader) readFile(path string) ([]Event, error) {
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, &MalformedEventError{Path: path, Line: line, Err: err}
		}
		if err := validate(ev.Table, ev.Op, ev.Data, ev.Key); err != nil {
			return nil, &MalformedEventError{Path: path, Line: line, Err: err}
		}
		if _, err := time.Parse(time.RFC3339Nano, ev.TS); err != nil {
			return nil, &MalformedEventError{Path: path, Line: line, Err: fmt.Errorf("bad ts %q", ev.TS)}
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
