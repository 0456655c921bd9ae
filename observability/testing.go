package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
)

// LogRecorder collects JSON log lines so tests can assert on them
type LogRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewTestLogger returns a debug-level JSON logger writing into a new
// LogRecorder
func NewTestLogger() (Logger, *LogRecorder) {
	recorder := &LogRecorder{}
	config := DefaultLoggerConfig()
	config.Level = LogLevelDebug
	return NewLoggerWithWriter(recorder, config), recorder
}

func (r *LogRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Entries decodes every recorded line. Lines that are not JSON objects are
// skipped.
func (r *LogRecorder) Entries() []map[string]interface{} {
	r.mu.Lock()
	data := append([]byte(nil), r.buf.Bytes()...)
	r.mu.Unlock()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Messages returns the msg of every recorded entry in order
func (r *LogRecorder) Messages() []string {
	var messages []string
	for _, entry := range r.Entries() {
		if msg, ok := entry["msg"].(string); ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// String returns the raw recorded output
func (r *LogRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
