package redistest

import (
	"path"
	"strconv"
	"sync"
)

type entry struct {
	value   []byte
	version uint64
}

// subscriber receives published messages already framed as a push.
type subscriber interface {
	deliver(kind, pattern, channel string, payload []byte)
}

// Store is the keyspace and pub/sub broker shared by every connection of a
// Server.
type Store struct {
	mu      sync.Mutex
	dbs     map[int]map[string]entry
	version uint64

	// versions of deleted keys, so WATCH notices a delete
	tombstones map[int]map[string]uint64

	subMu    sync.Mutex
	channels map[string]map[subscriber]struct{}
	patterns map[string]map[subscriber]struct{}
}

func NewStore() *Store {
	return &Store{
		dbs:        make(map[int]map[string]entry),
		tombstones: make(map[int]map[string]uint64),
		channels:   make(map[string]map[subscriber]struct{}),
		patterns:   make(map[string]map[subscriber]struct{}),
	}
}

func (s *Store) db(n int) map[string]entry {
	db, ok := s.dbs[n]
	if !ok {
		db = make(map[string]entry)
		s.dbs[n] = db
	}

	return db
}

func (s *Store) Get(db int, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.db(db)[key]
	return e.value, ok
}

func (s *Store) Set(db int, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(db, key, value)
}

func (s *Store) setLocked(db int, key string, value []byte) {
	s.version++
	s.db(db)[key] = entry{
		value:   append([]byte(nil), value...),
		version: s.version,
	}
}

// Del removes keys and returns how many existed.
func (s *Store) Del(db int, keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, key := range keys {
		if _, ok := s.db(db)[key]; !ok {
			continue
		}

		delete(s.db(db), key)
		s.version++

		if s.tombstones[db] == nil {
			s.tombstones[db] = make(map[string]uint64)
		}
		s.tombstones[db][key] = s.version
		n++
	}

	return n
}

// Incr adds one to the integer stored at key, a missing key counts as 0.
func (s *Store) Incr(db int, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	if e, ok := s.db(db)[key]; ok {
		var err error
		n, err = strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, errNotInteger
		}
	}

	n++
	s.setLocked(db, key, []byte(strconv.FormatInt(n, 10)))

	return n, nil
}

// Version returns a number that changes whenever key is written or
// deleted.
func (s *Store) Version(db int, key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.db(db)[key]; ok {
		return e.version
	}

	return s.tombstones[db][key]
}

// Len returns the number of keys in db.
func (s *Store) Len(db int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.db(db))
}

func (s *Store) subscribe(sub subscriber, name string, pattern bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	t := s.channels
	if pattern {
		t = s.patterns
	}

	if t[name] == nil {
		t[name] = make(map[subscriber]struct{})
	}
	t[name][sub] = struct{}{}
}

func (s *Store) unsubscribe(sub subscriber, name string, pattern bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	t := s.channels
	if pattern {
		t = s.patterns
	}

	delete(t[name], sub)
	if len(t[name]) == 0 {
		delete(t, name)
	}
}

// Publish delivers payload to every subscriber of channel and every
// subscriber of a matching pattern, and returns how many deliveries were
// made.
func (s *Store) Publish(channel string, payload []byte) int {
	type delivery struct {
		sub     subscriber
		pattern string
	}

	var deliveries []delivery

	s.subMu.Lock()
	for sub := range s.channels[channel] {
		deliveries = append(deliveries, delivery{sub: sub})
	}

	for pattern, subs := range s.patterns {
		if !matchPattern(pattern, channel) {
			continue
		}

		for sub := range subs {
			deliveries = append(deliveries, delivery{sub: sub, pattern: pattern})
		}
	}
	s.subMu.Unlock()

	for _, d := range deliveries {
		if d.pattern == "" {
			d.sub.deliver("message", "", channel, payload)
		} else {
			d.sub.deliver("pmessage", d.pattern, channel, payload)
		}
	}

	return len(deliveries)
}

// matchPattern implements the glob subset PSUBSCRIBE patterns use: *, ?,
// character classes and backslash escapes.
func matchPattern(pattern, channel string) bool {
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}
