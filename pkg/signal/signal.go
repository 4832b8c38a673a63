// Package signal implements the filesystem signal channel: a durable mailbox
// for point-to-point and lifecycle messages between agent processes.
//
// A signal is one JSON file in the signals directory. Its filename encodes
// timestamp, source, target, and type so receivers filter without opening
// files. Sends are atomic (temp file + rename). Receives claim a signal by
// renaming it into the processed/ archive before reading it, so at most one
// receiver ever returns a given signal, even with several processes polling
// the same target.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strata/pkg/fsx"
	"strata/pkg/journal"
	"strata/pkg/protocol"
)

// Signal is a single addressed message. Its identity is its storage
// location, not a field.
type Signal struct {
	Source    string              `json:"source"`
	Target    string              `json:"target"`
	Type      protocol.SignalType `json:"signal_type"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   map[string]any      `json:"payload"`

	// Location is the file the signal was read from. After Receive it points
	// into the processed/ archive.
	Location string `json:"-"`
}

// Channel is a signal mailbox rooted at a state directory.
type Channel struct {
	dir        string
	archive    string
	supervisor string
	logger     *zap.Logger
	journal    journal.Recorder
	now        func() time.Time
	watch      bool

	// tsMu guards lastNanos, which keeps timestamps strictly increasing so
	// two sends in the same clock tick still sort in send order.
	tsMu      sync.Mutex
	lastNanos int64
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithJournal records send/consume events on r.
func WithJournal(r journal.Recorder) Option {
	return func(c *Channel) { c.journal = r }
}

// WithClock overrides the time source used for signal timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithSupervisor sets the address lifecycle and request signals go to.
// Default is protocol.RoleSupervisor.
func WithSupervisor(addr string) Option {
	return func(c *Channel) { c.supervisor = addr }
}

// WithWatch toggles fsnotify wake-ups while receiving. Polling at the
// configured interval stays the source of truth either way. Default on.
func WithWatch(enabled bool) Option {
	return func(c *Channel) { c.watch = enabled }
}

// New creates a Channel under stateDir, creating the signals and archive
// directories if needed.
func New(stateDir string, opts ...Option) (*Channel, error) {
	dir := filepath.Join(stateDir, protocol.SignalsDir)
	c := &Channel{
		dir:        dir,
		archive:    filepath.Join(dir, protocol.ProcessedDir),
		supervisor: protocol.RoleSupervisor,
		logger:     zap.NewNop(),
		now:        time.Now,
		watch:      true,
	}
	for _, o := range opts {
		o(c)
	}
	if err := os.MkdirAll(c.archive, 0o755); err != nil {
		return nil, fmt.Errorf("create signal dirs: %w", err)
	}
	return c, nil
}

// Dir returns the visible signals directory.
func (c *Channel) Dir() string { return c.dir }

// Supervisor returns the supervisor address used by lifecycle helpers.
func (c *Channel) Supervisor() string { return c.supervisor }

// Send writes a signal addressed to target and returns its location. The
// payload is validated against the per-type schema before anything is
// written.
func (c *Channel) Send(ctx context.Context, source, target string, typ protocol.SignalType, payload map[string]any) (string, error) {
	if source == "" || target == "" {
		return "", fmt.Errorf("send %s: source and target are required", typ)
	}
	if err := protocol.ValidatePayload(typ, payload); err != nil {
		return "", fmt.Errorf("send %s: %w", typ, err)
	}

	ts := c.nextTimestamp()
	sig := Signal{
		Source:    source,
		Target:    target,
		Type:      typ,
		Timestamp: ts,
		Payload:   payload,
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}

	name := formatName(ts, source, target, typ, uuid.NewString()[:8])
	loc := filepath.Join(c.dir, name)
	if err := fsx.WriteFileAtomic(loc, data, 0o644); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", typ, target, err)
	}

	c.logger.Debug("signal sent",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("type", string(typ)),
		zap.String("location", loc))
	journal.Emit(ctx, c.journal, journal.Event{
		Type: "signal_sent", Source: source, Target: target, Subject: string(typ), Payload: name,
	})
	return loc, nil
}

// Peek lists visible signals for target without consuming them, oldest
// first. An empty target lists every visible signal. Malformed files are
// skipped.
func (c *Channel) Peek(target string) ([]Signal, error) {
	names, err := c.candidates(func(m meta) bool { return target == "" || m.target == target })
	if err != nil {
		return nil, err
	}
	out := make([]Signal, 0, len(names))
	for _, name := range names {
		loc := filepath.Join(c.dir, name)
		sig, err := readSignal(loc)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("skipping malformed signal", zap.String("location", loc), zap.Error(err))
			}
			continue
		}
		out = append(out, *sig)
	}
	return out, nil
}

// Pending returns the number of visible signals for target without reading
// any file.
func (c *Channel) Pending(target string) (int, error) {
	names, err := c.candidates(func(m meta) bool { return target == "" || m.target == target })
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// PendingByTarget counts visible signals per target from their filenames
// alone.
func (c *Channel) PendingByTarget() (map[string]int, error) {
	names, err := c.candidates(func(meta) bool { return true })
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, name := range names {
		m, _ := parseName(name)
		counts[m.target]++
	}
	return counts, nil
}

// Receive blocks until a signal for target is available, consumes it, and
// returns it. It rescans every pollInterval (and on filesystem events) until
// timeout elapses, then fails with an error wrapping protocol.ErrTimeout.
func (c *Channel) Receive(ctx context.Context, target string, timeout, pollInterval time.Duration) (*Signal, error) {
	return c.receive(ctx, target, timeout, pollInterval, nil)
}

// receive is Receive with an optional type filter applied to filenames.
func (c *Channel) receive(ctx context.Context, target string, timeout, pollInterval time.Duration, types []protocol.SignalType) (*Signal, error) {
	accept := func(m meta) bool {
		if m.target != target {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if m.typ == t {
				return true
			}
		}
		return false
	}

	var wake <-chan struct{}
	if c.watch {
		w := newWaker(c.dir)
		defer w.close()
		wake = w.ch
	}

	var got *Signal
	err := pollUntil(ctx, timeout, pollInterval, wake, func() (bool, error) {
		sig, err := c.claimNext(ctx, accept)
		if err != nil {
			return false, err
		}
		got = sig
		return sig != nil, nil
	})
	if errors.Is(err, protocol.ErrTimeout) {
		return nil, fmt.Errorf("receive %s after %v: %w", target, timeout, err)
	}
	if err != nil {
		return nil, err
	}
	return got, nil
}

// claimNext claims the oldest acceptable signal by renaming it into the
// archive, then decodes it from there. Losing a rename race to another
// receiver is not an error; the next candidate is tried.
func (c *Channel) claimNext(ctx context.Context, accept func(meta) bool) (*Signal, error) {
	names, err := c.candidates(accept)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		src := filepath.Join(c.dir, name)
		dst := filepath.Join(c.archive, name)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("claim signal %s: %w", name, err)
		}
		sig, err := readSignal(dst)
		if err != nil {
			c.logger.Warn("consumed malformed signal", zap.String("location", dst), zap.Error(err))
			journal.Emit(ctx, c.journal, journal.Event{
				Type: "signal_corrupt", Source: "signal", Subject: name, Level: journal.LevelWarn, Payload: err.Error(),
			})
			continue
		}
		c.logger.Debug("signal consumed",
			zap.String("source", sig.Source),
			zap.String("target", sig.Target),
			zap.String("type", string(sig.Type)))
		journal.Emit(ctx, c.journal, journal.Event{
			Type: "signal_consumed", Source: sig.Source, Target: sig.Target, Subject: string(sig.Type), Payload: name,
		})
		return sig, nil
	}
	return nil, nil
}

// Archive moves a visible signal into the processed/ archive. Archiving a
// location that is already archived is a no-op.
func (c *Channel) Archive(location string) error {
	name := filepath.Base(location)
	if filepath.Clean(filepath.Dir(location)) == filepath.Clean(c.archive) {
		if _, err := os.Stat(location); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		return nil
	}
	if err := os.Rename(location, filepath.Join(c.archive, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("archive %s: %w", name, protocol.ErrNotFound)
		}
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}

// Purge deletes archived signals older than retention and returns how many
// were removed.
func (c *Channel) Purge(ctx context.Context, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(c.archive)
	if err != nil {
		return 0, fmt.Errorf("read archive: %w", err)
	}
	cutoff := c.now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || fsx.IsTemp(e.Name()) {
			continue
		}
		m, ok := parseName(e.Name())
		if !ok || !m.ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.archive, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("purge %s: %w", e.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("purged archived signals", zap.Int("count", removed), zap.Duration("retention", retention))
		journal.Emit(ctx, c.journal, journal.Event{
			Type: "signal_purged", Source: "signal", Payload: strconv.Itoa(removed),
		})
	}
	return removed, nil
}

// candidates lists visible signal filenames accepted by the filter, oldest
// first. The archive subdirectory and in-progress temp files are skipped.
func (c *Channel) candidates(accept func(meta) bool) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || fsx.IsTemp(e.Name()) {
			continue
		}
		m, ok := parseName(e.Name())
		if !ok || !accept(m) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readSignal(path string) (*Signal, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the signals dir
	if err != nil {
		return nil, err
	}
	var sig Signal
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&sig); err != nil {
		return nil, &protocol.RecordCorruptError{Path: path, Err: err}
	}
	for k, v := range sig.Payload {
		sig.Payload[k] = normalizeNumbers(v)
	}
	if sig.Type == "" || sig.Target == "" {
		return nil, &protocol.RecordCorruptError{Path: path, Err: errors.New("missing signal_type or target")}
	}
	sig.Location = path
	return &sig, nil
}

// normalizeNumbers replaces each json.Number in v with an int64 when it is
// integral and fits, and a float64 otherwise.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

// --- filenames ---

type meta struct {
	ts     time.Time
	source string
	target string
	typ    protocol.SignalType
}

var (
	nameEscaper   = strings.NewReplacer("%", "%25", "-", "%2D", "/", "%2F")
	nameUnescaper = strings.NewReplacer("%25", "%", "%2D", "-", "%2F", "/")
)

// formatName builds <nanos>-<source>-<target>-<type>-<suffix>.json with each
// component escaped so '-' only ever appears as a separator.
func formatName(ts time.Time, source, target string, typ protocol.SignalType, suffix string) string {
	return fmt.Sprintf("%019d-%s-%s-%s-%s.json",
		ts.UnixNano(),
		nameEscaper.Replace(source),
		nameEscaper.Replace(target),
		nameEscaper.Replace(string(typ)),
		suffix)
}

func parseName(name string) (meta, bool) {
	if !strings.HasSuffix(name, ".json") {
		return meta{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".json"), "-")
	if len(parts) != 5 {
		return meta{}, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return meta{}, false
	}
	return meta{
		ts:     time.Unix(0, nanos),
		source: nameUnescaper.Replace(parts[1]),
		target: nameUnescaper.Replace(parts[2]),
		typ:    protocol.SignalType(nameUnescaper.Replace(parts[3])),
	}, true
}

func (c *Channel) nextTimestamp() time.Time {
	now := c.now()
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	n := now.UnixNano()
	if n <= c.lastNanos {
		n = c.lastNanos + 1
	}
	c.lastNanos = n
	return time.Unix(0, n).In(now.Location())
}
