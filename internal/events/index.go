package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// index is a sidecar file listing the idempotency keys of a log file and the
// byte offset just past each keyed line. Loading reads the index and scans
// only the log bytes beyond the last indexed offset.
type index struct {
	fs   afero.Fs
	path string
}

type indexEntry struct {
	Key string `json:"key"`
	End int64  `json:"end"`
}

func (ix *index) load(logPath string, seen map[string]struct{}) error {
	entries, ok, err := ix.read()
	if err != nil {
		return err
	}
	var offset int64
	for _, e := range entries {
		if e.End > offset {
			offset = e.End
		}
	}

	info, err := ix.fs.Stat(logPath)
	if os.IsNotExist(err) {
		if len(entries) > 0 {
			return ix.rewrite(nil)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if !ok || info.Size() < offset {
		// corrupt or stale index; rebuild from the whole file
		entries, err := scanKeys(ix.fs, logPath, 0)
		if err != nil {
			return err
		}
		for _, e := range entries {
			seen[e.Key] = struct{}{}
		}
		return ix.rewrite(entries)
	}

	for _, e := range entries {
		seen[e.Key] = struct{}{}
	}
	if info.Size() == offset {
		return nil
	}
	tail, err := scanKeys(ix.fs, logPath, offset)
	if err != nil {
		return err
	}
	for _, e := range tail {
		seen[e.Key] = struct{}{}
		if err := ix.add(e.Key, e.End); err != nil {
			return err
		}
	}
	return nil
}

// read returns ok=false when the index exists but cannot be parsed.
func (ix *index) read() ([]indexEntry, bool, error) {
	data, err := afero.ReadFile(ix.fs, ix.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read event index: %w", err)
	}
	var entries []indexEntry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e indexEntry
		if err := json.Unmarshal(line, &e); err != nil || e.Key == "" {
			return nil, false, nil
		}
		entries = append(entries, e)
	}
	return entries, true, nil
}

func (ix *index) add(key string, end int64) error {
	f, err := ix.fs.OpenFile(ix.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, _ := json.Marshal(indexEntry{Key: key, End: end})
	_, err = f.Write(append(line, '\n'))
	return err
}

func (ix *index) rewrite(entries []indexEntry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		line, _ := json.Marshal(e)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := afero.WriteFile(ix.fs, ix.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write event index: %w", err)
	}
	return nil
}

// scanKeys reads complete lines starting at offset and returns the
// idempotency keys found with their end offsets. A trailing line without a
// newline is ignored.
func scanKeys(fs afero.Fs, path string, offset int64) ([]indexEntry, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek event log: %w", err)
	}
	r := bufio.NewReader(f)
	pos := offset
	var out []indexEntry
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		pos += int64(len(line))
		var probe struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.IdempotencyKey != "" {
			out = append(out, indexEntry{Key: probe.IdempotencyKey, End: pos})
		}
	}
}
