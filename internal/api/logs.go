package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogQuery 日志过滤条件，空字段不过滤
type LogQuery struct {
	Level     string
	Component string
	RunID     string
}

func (q LogQuery) match(e *LogEntry) bool {
	if q.Level != "" && e.Level != q.Level {
		return false
	}
	if q.Component != "" && e.Fields["component"] != q.Component {
		return false
	}
	if q.RunID != "" && e.Fields["run_id"] != q.RunID {
		return false
	}
	return true
}

// LogBuffer 最近日志的环形缓冲
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBuffer 创建日志缓冲
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogBuffer{entries: make([]LogEntry, capacity)}
}

// Add 写入一条日志，满了覆盖最旧的
func (b *LogBuffer) Add(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// ordered 按时间从旧到新，调用方持有读锁
func (b *LogBuffer) ordered() []LogEntry {
	if !b.full {
		return b.entries[:b.next]
	}
	out := make([]LogEntry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	return append(out, b.entries[:b.next]...)
}

// Query 分页查询，最新的在前
func (b *LogBuffer) Query(q LogQuery, page, pageSize int) ([]LogEntry, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	b.mu.RLock()
	all := b.ordered()
	matched := make([]LogEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if q.match(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	b.mu.RUnlock()

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Clear 清空
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]LogEntry, len(b.entries))
	b.next = 0
	b.full = false
}

// LogHook 把日志写入缓冲
type LogHook struct {
	buffer *LogBuffer
}

// NewLogHook 创建日志钩子
func NewLogHook(buffer *LogBuffer) *LogHook {
	return &LogHook{buffer: buffer}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.buffer.Add(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
