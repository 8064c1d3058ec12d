package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/skedra/skedra/icalendar"
)

// Memory is an in-process Store used by tests and single-node setups.
// Every read hands out a deep copy so callers can never alias stored
// trees.
type Memory struct {
	mu    sync.RWMutex
	homes map[string]*memoryHome
}

// NewMemory builds an empty in-process store.
func NewMemory() *Memory {
	return &Memory{homes: make(map[string]*memoryHome)}
}

func (s *Memory) HomeForUser(_ context.Context, ownerUID string, create bool) (Home, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	home, ok := s.homes[ownerUID]
	if !ok {
		if !create {
			return nil, fmt.Errorf("calendar home %q: %w", ownerUID, ErrNotFound)
		}
		home = &memoryHome{
			owner: ownerUID,
			collections: map[string]*memoryCollection{
				InboxName:           {name: InboxName, objects: make(map[string]*memoryObject)},
				DefaultCalendarName: {name: DefaultCalendarName, freeBusy: true, objects: make(map[string]*memoryObject)},
			},
		}
		s.homes[ownerUID] = home
	}
	return home, nil
}

type memoryHome struct {
	mu          sync.RWMutex
	owner       string
	collections map[string]*memoryCollection
}

func (h *memoryHome) OwnerUID() string { return h.owner }

func (h *memoryHome) Calendar(_ context.Context, name string) (Collection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.collections[name]
	if !ok {
		return nil, fmt.Errorf("calendar %q in home %q: %w", name, h.owner, ErrNotFound)
	}
	return c, nil
}

func (h *memoryHome) Calendars(_ context.Context) ([]Collection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Collection, 0, len(h.collections))
	for _, c := range h.collections {
		out = append(out, c)
	}
	return out, nil
}

func (h *memoryHome) ObjectWithUID(ctx context.Context, uid string) (Object, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.collections {
		if c.name == InboxName {
			continue
		}
		if obj := c.objectWithUID(uid); obj != nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("object with uid %q in home %q: %w", uid, h.owner, ErrNotFound)
}

type memoryCollection struct {
	mu       sync.RWMutex
	name     string
	freeBusy bool
	objects  map[string]*memoryObject
}

func (c *memoryCollection) Name() string           { return c.name }
func (c *memoryCollection) FreeBusyEligible() bool { return c.freeBusy }

func (c *memoryCollection) Objects(_ context.Context) ([]Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Object, 0, len(c.objects))
	for _, o := range c.objects {
		out = append(out, o)
	}
	return out, nil
}

func (c *memoryCollection) CreateObject(_ context.Context, name string, data *icalendar.Object, _ InternalState) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.objects[name]; exists {
		return nil, fmt.Errorf("object %q already exists in %q", name, c.name)
	}
	obj := &memoryObject{parent: c, name: name, uid: data.UID(), data: data.Duplicate()}
	c.objects[name] = obj
	return obj, nil
}

func (c *memoryCollection) objectWithUID(uid string) *memoryObject {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.objects {
		if o.uid == uid {
			return o
		}
	}
	return nil
}

type memoryObject struct {
	mu     sync.RWMutex
	parent *memoryCollection
	name   string
	uid    string
	data   *icalendar.Object
}

func (o *memoryObject) Name() string { return o.name }

func (o *memoryObject) UID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.uid
}

func (o *memoryObject) Calendar(_ context.Context) (*icalendar.Object, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.data.Duplicate(), nil
}

func (o *memoryObject) SetCalendar(_ context.Context, data *icalendar.Object, _ InternalState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = data.Duplicate()
	o.uid = data.UID()
	return nil
}

func (o *memoryObject) Remove(_ context.Context, _ InternalState) error {
	o.parent.mu.Lock()
	defer o.parent.mu.Unlock()
	delete(o.parent.objects, o.name)
	return nil
}
