package sink

import "sync"

// Memory keeps records in memory. It backs dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	events  []EventInfo
	pending int
	closed  bool
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Name returns the sink name.
func (m *Memory) Name() string { return "memory" }

// Fill appends a record to the open event.
func (m *Memory) Fill(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.pending++
	return nil
}

// EndEvent commits the records of the open event.
func (m *Memory) EndEvent(info EventInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, info)
	m.pending = 0
	return nil
}

// Close drops the records of an event that was never ended.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.records = m.records[:len(m.records)-m.pending]
		m.pending = 0
	}
	m.closed = true
	return nil
}

// RowsWritten returns the number of records held.
func (m *Memory) RowsWritten() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records))
}

// Records returns a copy of the filled records. After Close only
// records of ended events remain.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Events returns a copy of the completed events.
func (m *Memory) Events() []EventInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventInfo(nil), m.events...)
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
