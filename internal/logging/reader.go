package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// Recent returns up to limit entries from the system stream, newest first.
func (s *Service) Recent(limit int) ([]Entry, error) {
	return s.readTail(s.streamPath(StreamSystem), limit)
}

// Errors returns up to limit entries from the errors stream, newest first.
func (s *Service) Errors(limit int) ([]Entry, error) {
	return s.readTail(s.streamPath(StreamErrors), limit)
}

// ByCategory returns up to limit entries for one top-level stream, newest
// first.
func (s *Service) ByCategory(category string, limit int) ([]Entry, error) {
	return s.readTail(s.streamPath(category), limit)
}

// Instance returns up to limit entries from an instance stream, newest first.
func (s *Service) Instance(instanceID, kind string, limit int) ([]Entry, error) {
	return s.readTail(s.instancePath(instanceID, kind), limit)
}

// Mixed merges the system, business, and errors streams, sorted by timestamp
// descending, up to limit entries.
func (s *Service) Mixed(limit int) ([]Entry, error) {
	var all []Entry
	for _, stream := range []string{StreamSystem, StreamOperations, StreamMonitoring, StreamErrors} {
		entries, err := s.readTail(s.streamPath(stream), limit)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Time.After(all[j].Time) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// readTail reads the newest limit entries of one stream file, including its
// most recent rotation when the live file is short.
func (s *Service) readTail(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	if len(entries) < limit {
		prev, err := readEntries(path + ".1")
		if err != nil {
			return nil, err
		}
		entries = append(prev, entries...)
	}

	// Newest first.
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate partial lines from crashes
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
