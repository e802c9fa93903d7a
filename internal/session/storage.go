package session

import "sync"

// Storage slot names shared with the client application.
const (
	KeyAuthToken    = "auth-token"
	KeyRefreshToken = "refresh-token"
	KeyCurrentUser  = "current-user"
)

// Event describes one storage mutation, delivered to every watcher including
// ones in other tabs of the same session.
type Event struct {
	Key     string
	Value   string
	Deleted bool
}

// Storage is the durable client key/value collaborator holding the token
// slots. Watch returns a channel of mutation events plus a cancel function;
// observing mutations is what keeps multiple tabs consistent.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Watch() (<-chan Event, func())
}

// MemoryStorage is an in-process Storage with watcher fan-out.
type MemoryStorage struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[int]chan Event
	nextID   int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values:   make(map[string]string),
		watchers: make(map[int]chan Event),
	}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]
	return value, ok
}

func (s *MemoryStorage) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.notifyLocked(Event{Key: key, Value: value})
	s.mu.Unlock()
}

func (s *MemoryStorage) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.notifyLocked(Event{Key: key, Deleted: true})
	s.mu.Unlock()
}

func (s *MemoryStorage) Watch() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	events := make(chan Event, 16)
	s.watchers[id] = events

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
	}

	return events, cancel
}

// Slow watchers drop events rather than block mutations.
func (s *MemoryStorage) notifyLocked(event Event) {
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}
