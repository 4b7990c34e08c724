package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is a log line kept in memory for the logs API.
type Entry struct {
	ID      int          `json:"id"`
	Time    time.Time    `json:"time"`
	Level   logrus.Level `json:"level"`
	Message string       `json:"message"`
}

// LogBuffer is a logrus hook that keeps the most recent entries in a ring.
type LogBuffer struct {
	mu    sync.RWMutex
	ring  []*Entry
	total int
}

// NewLogBuffer returns a buffer retaining the last capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{ring: make([]*Entry, capacity)}
}

// Since returns up to limit entries with ID >= from, oldest first. A negative limit means all.
func (b *LogBuffer) Since(from, limit int) []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	oldest := max(0, b.total-len(b.ring))
	from = max(from, oldest)
	if from >= b.total {
		return nil
	}
	n := b.total - from
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, 0, n)
	for id := from; id < from+n; id++ {
		out = append(out, b.ring[id%len(b.ring)])
	}
	return out
}

// Len returns the number of entries ever written.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Fire implements the logrus.Hook interface.
func (b *LogBuffer) Fire(e *logrus.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return nil
	}
	b.ring[b.total%len(b.ring)] = &Entry{
		ID:      b.total,
		Time:    e.Time,
		Level:   e.Level,
		Message: render(e),
	}
	b.total++
	return nil
}

// Levels implements the logrus.Hook interface.
func (b *LogBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

func render(e *logrus.Entry) string {
	if len(e.Data) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, fmt.Sprint(e.Data[k])))
	}
	return e.Message + "  " + strings.Join(parts, " ")
}
