// Package auditlog is the tamper-evident audit trail (C12): an async
// buffered JSONL writer with per-record HMAC-SHA256 integrity hashes,
// recursive sanitization of sensitive fields, size-based rotation with
// gzip compression of rotated files, and integrity validation over the
// most recent N entries.
package auditlog

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

func generateHMACKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EventType identifies the kind of audited action.
type EventType string

const (
	EventCommandAttempt       EventType = "command_attempt"
	EventCommandSuccess       EventType = "command_success"
	EventCommandFailed        EventType = "command_failed"
	EventCommandAuthFailed    EventType = "command_auth_failed"
	EventRateLimitExceeded    EventType = "rate_limit_exceeded"
	EventInvalidAuth          EventType = "invalid_auth_failure"
	EventSecurityValidation   EventType = "security_validation_failed"
	EventInternalError        EventType = "internal_error"
	EventServiceStart         EventType = "service_start"
	EventServiceStop          EventType = "service_stop"
	EventAuthSuccess          EventType = "auth_success"
	EventAuthFailure          EventType = "auth_failure"
	EventPermissionDenied     EventType = "permission_denied"
	EventSystem               EventType = "system_event"
	EventCircuitBreakerOpened EventType = "circuit_breaker_opened"
)

// Event is one audited action.
type Event struct {
	EventType EventType      `json:"event_type"`
	Timestamp float64        `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	ClientIP  string         `json:"client_ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RoomID    string         `json:"room_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Severity  string         `json:"severity,omitempty"`
}

var sensitiveKeyFragments = []string{
	"password", "token", "secret", "key", "auth",
	"authorization", "credential", "session",
}

const (
	logVersion       = "1.0"
	defaultMaxBytes  = 100 * 1024 * 1024
	defaultBackups   = 10
	defaultBuffer    = 1000
	defaultFlushTick = 5 * time.Second
)

// Options configures a Writer.
type Options struct {
	LogFile       string
	HMACKey       []byte // generated with crypto/rand if empty
	MaxFileBytes  int64
	BackupCount   int
	BufferSize    int
	FlushInterval time.Duration
}

// Writer is an async, buffered, tamper-evident audit log writer.
type Writer struct {
	logFile       string
	hmacKey       []byte
	maxFileBytes  int64
	backupCount   int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []map[string]any

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	eventsLogged atomic
	errorCount   atomic
}

// atomic is a tiny counter wrapper to avoid importing sync/atomic for a
// handful of monotonically increasing stats fields read only by Stats.
type atomic struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic) add(n int64) {
	a.mu.Lock()
	a.v += n
	a.mu.Unlock()
}

func (a *atomic) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewWriter constructs a Writer. Call Start to begin the background flush
// loop; Log is safe to call before Start, entries simply queue.
func NewWriter(opts Options, logger *slog.Logger) (*Writer, error) {
	key := opts.HMACKey
	if len(key) == 0 {
		generated, err := generateHMACKey()
		if err != nil {
			return nil, fmt.Errorf("generating HMAC key: %w", err)
		}
		key = generated
	}

	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	backups := opts.BackupCount
	if backups <= 0 {
		backups = defaultBackups
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushTick
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}

	return &Writer{
		logFile:       opts.LogFile,
		hmacKey:       key,
		maxFileBytes:  maxBytes,
		backupCount:   backups,
		flushInterval: flushInterval,
		logger:        logger,
		events:        make(chan Event, bufferSize),
		done:          make(chan struct{}),
	}, nil
}

// Start begins the background flush loop and returns immediately. The loop
// exits once ctx is cancelled or Close is called, after flushing all pending
// entries; call Close to block until then.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and blocks until the background loop
// drains and exits.
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()
}

// Log enqueues an event for async writing. It never blocks; if the buffer
// channel is full the event is dropped and a warning is logged.
func (w *Writer) Log(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = nowUnix()
	}
	if event.Severity == "" {
		event.Severity = "info"
	}
	select {
	case w.events <- event:
	default:
		w.errorCount.add(1)
		w.logger.Warn("audit log buffer full, dropping event", "event_type", event.EventType)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		w.mu.Lock()
		batch := w.buffer
		w.buffer = nil
		w.mu.Unlock()
		if len(batch) > 0 {
			if err := w.writeBatch(batch); err != nil {
				w.logger.Error("flushing audit log", "error", err)
				w.errorCount.add(1)
			}
		}
	}

	for {
		select {
		case event := <-w.events:
			w.mu.Lock()
			w.buffer = append(w.buffer, w.serialize(event))
			full := len(w.buffer) >= defaultBuffer
			w.mu.Unlock()
			if full {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			w.drainAndFlush(flush)
			return
		case <-w.done:
			w.drainAndFlush(flush)
			return
		}
	}
}

func (w *Writer) drainAndFlush(flush func()) {
	for {
		select {
		case event := <-w.events:
			w.mu.Lock()
			w.buffer = append(w.buffer, w.serialize(event))
			w.mu.Unlock()
		default:
			flush()
			return
		}
	}
}

func (w *Writer) serialize(event Event) map[string]any {
	hostname, _ := os.Hostname()
	record := map[string]any{
		"event_type":   event.EventType,
		"timestamp":    event.Timestamp,
		"timestamp_iso": time.Unix(0, int64(event.Timestamp*float64(time.Second))).UTC().Format("2006-01-02T15:04:05.000000Z"),
		"severity":     event.Severity,
		"log_version":  logVersion,
		"hostname":     hostname,
		"process_id":   os.Getpid(),
	}
	if event.UserID != "" {
		record["user_id"] = event.UserID
	}
	if event.ClientIP != "" {
		record["client_ip"] = event.ClientIP
	}
	if event.UserAgent != "" {
		record["user_agent"] = event.UserAgent
	}
	if event.RoomID != "" {
		record["room_id"] = event.RoomID
	}
	if event.Details != nil {
		record["details"] = sanitize(event.Details)
	}
	record["integrity_hash"] = w.integrityHash(record)
	return record
}

// sanitize recursively masks any map value whose key contains a sensitive
// fragment, leaving the first and last four characters visible for longer
// strings so logs remain useful for correlation without exposing secrets.
func sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if isSensitiveKey(key) {
				out[key] = maskValue(val)
				continue
			}
			out[key] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitize(item)
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func maskValue(value any) any {
	s, ok := value.(string)
	if !ok {
		return "****"
	}
	if len(s) > 8 {
		return s[:4] + "****" + s[len(s)-4:]
	}
	return "****"
}

// integrityHash computes an HMAC-SHA256 over the record's canonical JSON
// (sorted keys, no separators), excluding the hash field itself.
func (w *Writer) integrityHash(record map[string]any) string {
	canonical, err := canonicalJSON(record, "integrity_hash")
	if err != nil {
		return "hash_error"
	}
	mac := hmac.New(sha256.New, w.hmacKey)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON marshals m with sorted keys, skipping excludeKey, matching
// json.dumps(..., sort_keys=True, separators=(",", ":")) byte for byte for
// any value made of JSON-primitive types.
func canonicalJSON(m map[string]any, excludeKey string) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == excludeKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (w *Writer) writeBatch(batch []map[string]any) error {
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}

	f, err := os.OpenFile(w.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, record := range batch {
		data, err := json.Marshal(record)
		if err != nil {
			w.errorCount.add(1)
			continue
		}
		bw.Write(data)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing audit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}

	w.eventsLogged.add(int64(len(batch)))
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	info, err := os.Stat(w.logFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < w.maxFileBytes {
		return nil
	}
	return w.rotate()
}

func (w *Writer) rotate() error {
	for i := w.backupCount - 1; i > 0; i-- {
		oldFile := w.logFile + "." + strconv.Itoa(i) + ".gz"
		newFile := w.logFile + "." + strconv.Itoa(i+1) + ".gz"
		if _, err := os.Stat(oldFile); err == nil {
			os.Remove(newFile)
			if err := os.Rename(oldFile, newFile); err != nil {
				return fmt.Errorf("rotating %s: %w", oldFile, err)
			}
		}
	}

	if _, err := os.Stat(w.logFile); err == nil {
		backup := w.logFile + ".1"
		os.Remove(backup)
		if err := os.Rename(w.logFile, backup); err != nil {
			return fmt.Errorf("rotating current log: %w", err)
		}
		if err := compressFile(backup); err != nil {
			w.logger.Warn("failed to compress rotated audit log", "file", backup, "error", err)
		}
	}
	return nil
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// IntegrityResult is the outcome of ValidateIntegrity.
type IntegrityResult struct {
	TotalChecked       int
	ValidEntries       int
	InvalidEntries     int
	ParseErrors        int
	IntegrityViolations []Violation
}

// Violation describes one failed integrity check.
type Violation struct {
	Line   int
	Reason string
}

// ValidateIntegrity recomputes the HMAC for each of the last n lines in the
// log file and reports any mismatch, missing hash, or unparseable line.
func (w *Writer) ValidateIntegrity(n int) (IntegrityResult, error) {
	var result IntegrityResult

	data, err := os.ReadFile(w.logFile)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("reading audit log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return result, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	for i, line := range lines {
		lineNum := i + 1
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			result.ParseErrors++
			result.IntegrityViolations = append(result.IntegrityViolations, Violation{Line: lineNum, Reason: "json_parse_error"})
			continue
		}
		result.TotalChecked++

		storedHash, _ := record["integrity_hash"].(string)
		if storedHash == "" {
			result.InvalidEntries++
			result.IntegrityViolations = append(result.IntegrityViolations, Violation{Line: lineNum, Reason: "missing_integrity_hash"})
			continue
		}

		expected := w.integrityHash(record)
		if storedHash == expected {
			result.ValidEntries++
		} else {
			result.InvalidEntries++
			result.IntegrityViolations = append(result.IntegrityViolations, Violation{Line: lineNum, Reason: "hash_mismatch"})
		}
	}

	return result, nil
}

// Stats reports lightweight Writer counters.
type Stats struct {
	EventsLogged int64
	Errors       int64
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	return Stats{EventsLogged: w.eventsLogged.load(), Errors: w.errorCount.load()}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
