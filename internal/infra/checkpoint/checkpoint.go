// Package checkpoint persists feed cursors in a pebble store.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

const keyPrefix = "cursor/"

// Cursor is the resume position of a feed: the highest block whose events
// were all handed to the watcher.
type Cursor struct {
	Block    uint64
	LogIndex uint32
}

// binary encoding: [block:8][logIndex:4]
func encodeCursor(c Cursor) []byte {
	buf := make([]byte, 8+4)
	binary.BigEndian.PutUint64(buf[0:8], c.Block)
	binary.BigEndian.PutUint32(buf[8:12], c.LogIndex)
	return buf
}

func decodeCursor(b []byte) (Cursor, error) {
	if len(b) != 12 {
		return Cursor{}, errors.New("invalid cursor length")
	}
	return Cursor{
		Block:    binary.BigEndian.Uint64(b[0:8]),
		LogIndex: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// Store is a durable cursor map keyed by feed name.
type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the saved cursor of name; ok is false if none was saved.
func (s *Store) Get(name string) (c Cursor, ok bool, err error) {
	val, closer, err := s.db.Get([]byte(keyPrefix + name))
	if errors.Is(err, pebble.ErrNotFound) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	defer closer.Close()

	c, err = decodeCursor(val)
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

// Set durably stores the cursor of name. Cursors never move backwards.
func (s *Store) Set(name string, c Cursor) error {
	prev, ok, err := s.Get(name)
	if err != nil {
		return err
	}
	if ok && (c.Block < prev.Block || (c.Block == prev.Block && c.LogIndex <= prev.LogIndex)) {
		return nil
	}
	return s.db.Set([]byte(keyPrefix+name), encodeCursor(c), pebble.Sync)
}

// Reset removes the cursor of name, so the feed replays from its start.
func (s *Store) Reset(name string) error {
	return s.db.Delete([]byte(keyPrefix+name), pebble.Sync)
}

func (s *Store) Close() error {
	return s.db.Close()
}
