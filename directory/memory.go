package directory

import (
	"context"
	"sync"

	"github.com/skedra/skedra/icalendar"
)

// Memory is an in-process Directory, used by tests and single-node
// deployments configured from the server config file.
type Memory struct {
	mu      sync.RWMutex
	byCUA   map[string]*Record
	byEmail map[string]*Record
	pods    map[string]*Pod
}

// NewMemory builds a Memory directory holding the given records.
func NewMemory(records ...*Record) *Memory {
	m := &Memory{
		byCUA:   make(map[string]*Record),
		byEmail: make(map[string]*Record),
		pods:    make(map[string]*Pod),
	}
	for _, r := range records {
		m.AddRecord(r)
	}
	return m
}

// AddRecord indexes a record by all of its addresses.
func (m *Memory) AddRecord(r *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cua := range r.CalendarUserAddresses {
		m.byCUA[icalendar.NormalizeCUA(cua)] = r
	}
	for _, email := range r.EmailAddresses {
		m.byCUA[icalendar.NormalizeCUA("mailto:"+email)] = r
		m.byEmail[email] = r
	}
}

// AddPod registers a peer server.
func (m *Memory) AddPod(p *Pod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pods[p.ID] = p
}

func (m *Memory) RecordWithCalendarUserAddress(_ context.Context, cua string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCUA[icalendar.NormalizeCUA(cua)], nil
}

func (m *Memory) PodWithID(_ context.Context, id string) (*Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pods[id], nil
}
