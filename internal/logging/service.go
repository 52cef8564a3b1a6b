// Package logging implements the engine's multi-stream file logger: system,
// business-operations, and business-monitoring streams, per-instance
// operation/monitoring streams, and an errors stream mirroring every error
// entry. Streams rotate by size and drain through one serialized queue.
package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stream names for the top-level categories.
const (
	StreamSystem     = "system"
	StreamOperations = "business-operations"
	StreamMonitoring = "business-monitoring"
	StreamErrors     = "errors"
)

const (
	// defaultMaxFileSize triggers rotation.
	defaultMaxFileSize = 10 * 1024 * 1024
	// defaultMaxBackups is how many rotated files are kept per stream.
	defaultMaxBackups = 5
	// defaultQueueSize is the write queue capacity; beyond the high-water
	// mark non-error writes are dropped.
	defaultQueueSize = 4096
	// highWaterRatio of the queue at which non-error drops begin.
	highWaterRatio = 0.9
	// mkdirRetries bounds directory re-creation attempts before the
	// synchronous fallback.
	mkdirRetries = 3
)

// Config tunes the logging service.
type Config struct {
	Dir         string
	Level       slog.Level
	LevelByCat  map[string]slog.Level
	MaxFileSize int64
	MaxBackups  int
	// PurgeOnStart removes prior log files, preserving PreserveFiles.
	PurgeOnStart  bool
	PreserveFiles []string
	// EchoOperations lists operation actions echoed to instance streams.
	EchoOperations []string
}

// Entry is one structured log line as persisted to disk.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category string         `json:"category"`
	Instance string         `json:"instance,omitempty"`
	Message  string         `json:"msg"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// writeReq is one queued write: a serialized line bound for a stream file.
type writeReq struct {
	path    string
	line    []byte
	isError bool
}

// Service owns every log stream. One writer goroutine drains the queue so
// there is exactly one writer per file.
type Service struct {
	cfg    Config
	queue  chan writeReq
	done   chan struct{}
	wg     sync.WaitGroup
	echoed map[string]bool

	mu             sync.Mutex // guards sizes and drop accounting
	sizes          map[string]int64
	dropped        int
	lastDropReport time.Time
}

// NewService creates the logging service, optionally purging prior logs, and
// starts the drain goroutine.
func NewService(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("logging: dir must not be empty")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}

	s := &Service{
		cfg:    cfg,
		queue:  make(chan writeReq, defaultQueueSize),
		done:   make(chan struct{}),
		sizes:  make(map[string]int64),
		echoed: make(map[string]bool),
	}
	for _, op := range cfg.EchoOperations {
		s.echoed[op] = true
	}

	if cfg.PurgeOnStart {
		if err := s.purge(); err != nil {
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.drain()
	return s, nil
}

// purge removes prior log files under the data directory while preserving the
// configured allow-list (matched by base name).
func (s *Service) purge() error {
	keep := make(map[string]bool, len(s.cfg.PreserveFiles))
	for _, f := range s.cfg.PreserveFiles {
		keep[filepath.Base(f)] = true
	}
	root := s.cfg.Dir
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if keep[filepath.Base(path)] {
			return nil
		}
		if strings.HasSuffix(path, ".log") || rotatedSuffix(path) {
			_ = os.Remove(path)
		}
		return nil
	})
}

func rotatedSuffix(path string) bool {
	base := filepath.Base(path)
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return false
	}
	for _, r := range base[i+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return strings.Contains(base, ".log.")
}

// streamPath maps a top-level stream name to its file.
func (s *Service) streamPath(stream string) string {
	switch stream {
	case StreamSystem:
		return filepath.Join(s.cfg.Dir, "system", "system.log")
	case StreamOperations:
		return filepath.Join(s.cfg.Dir, "business", "operations.log")
	case StreamMonitoring:
		return filepath.Join(s.cfg.Dir, "business", "monitoring.log")
	case StreamErrors:
		return filepath.Join(s.cfg.Dir, "errors", "errors.log")
	default:
		return filepath.Join(s.cfg.Dir, "system", "system.log")
	}
}

// instancePath maps an instance id and kind ("operations"/"monitoring") to
// its per-instance stream file.
func (s *Service) instancePath(instanceID, kind string) string {
	return filepath.Join(s.cfg.Dir, "strategies", "instance-"+instanceID, kind, instanceID+".log")
}

// levelFor returns the effective level filter for a category.
func (s *Service) levelFor(category string) slog.Level {
	if lv, ok := s.cfg.LevelByCat[category]; ok {
		return lv
	}
	return s.cfg.Level
}

// Write appends one entry to the named top-level stream; error-level entries
// are mirrored to the errors stream.
func (s *Service) Write(stream string, e Entry) {
	if parseLevel(e.Level) < s.levelFor(stream) {
		return
	}
	e.Category = stream
	line := marshalEntry(e)
	s.enqueue(writeReq{path: s.streamPath(stream), line: line, isError: isErrorLevel(e.Level)})
	if isErrorLevel(e.Level) && stream != StreamErrors {
		s.enqueue(writeReq{path: s.streamPath(StreamErrors), line: line, isError: true})
	}
}

// WriteInstance appends one entry to an instance stream (kind is
// "operations" or "monitoring"). Errors are mirrored to the errors stream.
func (s *Service) WriteInstance(instanceID, kind string, e Entry) {
	e.Instance = instanceID
	e.Category = kind
	line := marshalEntry(e)
	s.enqueue(writeReq{path: s.instancePath(instanceID, kind), line: line, isError: isErrorLevel(e.Level)})
	if isErrorLevel(e.Level) {
		s.enqueue(writeReq{path: s.streamPath(StreamErrors), line: line, isError: true})
	}
}

// Echo publishes one business operation simultaneously to the
// business-operations stream, the instance operations stream (when the action
// is in the echo set), and a short system-stream summary.
func (s *Service) Echo(instanceID, action, msg string, attrs map[string]any) {
	e := Entry{
		Time:    time.Now().UTC(),
		Level:   "INFO",
		Message: msg,
		Attrs:   attrs,
	}
	e.Instance = instanceID
	s.Write(StreamOperations, e)
	if len(s.echoed) == 0 || s.echoed[action] {
		s.WriteInstance(instanceID, "operations", e)
	}
	s.Write(StreamSystem, Entry{
		Time:     e.Time,
		Level:    "INFO",
		Instance: instanceID,
		Message:  fmt.Sprintf("%s: %s", action, msg),
	})
}

// enqueue places a write on the queue. Past the high-water mark non-error
// lines are dropped; drops are reported once per second as an aggregated
// marker on the system stream.
func (s *Service) enqueue(req writeReq) {
	if !req.isError && len(s.queue) >= int(float64(cap(s.queue))*highWaterRatio) {
		s.recordDrop()
		return
	}
	select {
	case s.queue <- req:
	default:
		if req.isError {
			// Error lines are never silently dropped: fall back to a
			// blocking synchronous write.
			s.writeFile(req.path, req.line)
			return
		}
		s.recordDrop()
	}
}

func (s *Service) recordDrop() {
	s.mu.Lock()
	s.dropped++
	n := s.dropped
	emit := time.Since(s.lastDropReport) >= time.Second
	if emit {
		s.dropped = 0
		s.lastDropReport = time.Now()
	}
	s.mu.Unlock()

	if emit {
		line := marshalEntry(Entry{
			Time:    time.Now().UTC(),
			Level:   "WARN",
			Message: fmt.Sprintf("%d log lines dropped under backpressure", n),
		})
		select {
		case s.queue <- writeReq{path: s.streamPath(StreamSystem), line: line}:
		default:
		}
	}
}

// drain is the single writer goroutine.
func (s *Service) drain() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.queue:
			s.writeFile(req.path, req.line)
		case <-s.done:
			// Flush what is left.
			for {
				select {
				case req := <-s.queue:
					s.writeFile(req.path, req.line)
				default:
					return
				}
			}
		}
	}
}

// writeFile appends a line, recreating leaf directories before each write and
// rotating when the file reaches the maximum size. Directory creation is
// retried with a small backoff; if all attempts fail the write degrades to a
// best-effort synchronous create so no line is silently lost.
func (s *Service) writeFile(path string, line []byte) {
	dir := filepath.Dir(path)
	var mkErr error
	for i := 0; i < mkdirRetries; i++ {
		if mkErr = os.MkdirAll(dir, 0o755); mkErr == nil {
			break
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}

	s.maybeRotate(path, int64(len(line)))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Last resort: one more mkdir + create, synchronous.
		_ = os.MkdirAll(dir, 0o755)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
	}
	n, _ := f.Write(line)
	_ = f.Close()

	s.mu.Lock()
	s.sizes[path] += int64(n)
	s.mu.Unlock()
}

// maybeRotate rotates path to .1..N when appending add bytes would meet the
// maximum size, dropping the oldest backup.
func (s *Service) maybeRotate(path string, add int64) {
	s.mu.Lock()
	size, known := s.sizes[path]
	s.mu.Unlock()
	if !known {
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
	}
	if size+add < s.cfg.MaxFileSize {
		return
	}

	// Shift backups: .N-1 → .N, dropping the oldest.
	oldest := fmt.Sprintf("%s.%d", path, s.cfg.MaxBackups)
	_ = os.Remove(oldest)
	for i := s.cfg.MaxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		_ = os.Rename(from, to)
	}
	_ = os.Rename(path, path+".1")

	s.mu.Lock()
	s.sizes[path] = 0
	s.mu.Unlock()
}

// Close flushes the queue and stops the writer.
func (s *Service) Close() {
	close(s.done)
	s.wg.Wait()
}

// Flush blocks until the queue has drained. Intended for tests and shutdown.
func (s *Service) Flush() {
	for len(s.queue) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	// One more beat for the in-flight request.
	time.Sleep(10 * time.Millisecond)
}

func marshalEntry(e Entry) []byte {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"time":%q,"level":"ERROR","msg":"logging: marshal failed: %v"}`,
			e.Time.Format(time.RFC3339Nano), err))
	}
	return append(b, '\n')
}

func isErrorLevel(level string) bool {
	return strings.EqualFold(level, "ERROR")
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
