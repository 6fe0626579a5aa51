// Package diag collects allocation traces and counters. A Sink is handed
// explicitly to the passes that report into it and flushed by whoever
// created it; a nil *Sink discards everything. Nothing read back from a sink
// ever feeds an allocation decision.
package diag

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var dumper = spew.ConfigState{
	Indent:                  "  ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// NewLogger returns a logrus logger writing plain text to out at the named
// level ("info", "debug", "trace", ...).
func NewLogger(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "diag")
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableQuote: true})
	return l, nil
}

// Sink is the diagnostics capability for one function. It is used by a
// single goroutine.
type Sink struct {
	name     string
	log      logrus.FieldLogger
	buf      bytes.Buffer
	counters map[string]int
}

// New returns a sink for the named function. log may be nil.
func New(name string, log logrus.FieldLogger) *Sink {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Sink{
		name:     name,
		log:      log.WithField("func", name),
		counters: make(map[string]int),
	}
}

// Name returns the function name the sink reports for.
func (s *Sink) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Tracef appends a line to the trace and logs it at debug level.
func (s *Sink) Tracef(format string, args ...interface{}) {
	if s == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.buf.WriteString(msg)
	s.buf.WriteByte('\n')
	s.log.Debug(msg)
}

// Infof logs at info level without touching the trace.
func (s *Sink) Infof(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.log.Infof(format, args...)
}

// Count adds n to a named counter.
func (s *Sink) Count(key string, n int) {
	if s == nil {
		return
	}
	s.counters[key] += n
}

// Counter returns the value of a named counter.
func (s *Sink) Counter(key string) int {
	if s == nil {
		return 0
	}
	return s.counters[key]
}

// Dump appends a spew rendering of v to the trace.
func (s *Sink) Dump(label string, v interface{}) {
	if s == nil {
		return
	}
	fmt.Fprintf(&s.buf, "== %s\n", label)
	s.buf.WriteString(dumper.Sdump(v))
}

// Text returns the trace collected so far followed by the counters.
func (s *Sink) Text() string {
	if s == nil {
		return ""
	}
	var out bytes.Buffer
	out.Write(s.buf.Bytes())
	keys := make([]string, 0, len(s.counters))
	for k := range s.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&out, "%s: %d\n", k, s.counters[k])
	}
	return out.String()
}

// Collector gathers the sinks of a whole program. Sinks may be added from
// several goroutines.
type Collector struct {
	log   logrus.FieldLogger
	mu    sync.Mutex
	sinks map[string]*Sink
}

// NewCollector returns a collector whose sinks log through log.
func NewCollector(log logrus.FieldLogger) *Collector {
	return &Collector{log: log, sinks: make(map[string]*Sink)}
}

// Sink creates and registers the sink of one function. A nil collector
// returns a nil sink.
func (c *Collector) Sink(name string) *Sink {
	if c == nil {
		return nil
	}
	s := New(name, c.log)
	c.mu.Lock()
	c.sinks[name] = s
	c.mu.Unlock()
	return s
}

// Lookup returns the sink registered under name, or nil.
func (c *Collector) Lookup(name string) *Sink {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinks[name]
}

// Total sums a counter over every sink.
func (c *Collector) Total(key string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sinks {
		n += s.Counter(key)
	}
	return n
}

// Flush writes one "<func>.ra.txt" file per sink into dir.
func (c *Collector) Flush(dir string) error {
	if c == nil || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "diag: creating dump dir")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sinks))
	for n := range c.sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		path := filepath.Join(dir, n+".ra.txt")
		if err := os.WriteFile(path, []byte(c.sinks[n].Text()), 0o644); err != nil {
			return errors.Wrapf(err, "diag: writing %s", path)
		}
	}
	return nil
}
