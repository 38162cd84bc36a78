package queue

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Store is the durability contract both backends satisfy (spec.md
// §4.8 "Durability"): a transaction log recording committed Enqueue
// and permanent-removal events, replayable to reconstruct queue state
// after a restart.
type Store interface {
	// AppendCommit durably records one committed transaction: the
	// messages it enqueued and the message IDs it permanently removed.
	AppendCommit(queueEP string, enqueued []Msg, removedIDs []uuid.UUID) error
	// Replay reconstructs a queue's visible messages from the log.
	Replay(queueEP string) ([]Msg, error)
	// Close releases any underlying resources.
	Close() error
}

// MemoryStore keeps the log in process memory; it offers the same
// interface as FileStore but no durability across a process restart
// (spec.md §4.8 "Memory store + memory log ... for tests and ephemeral
// traffic").
type MemoryStore struct {
	mu   sync.Mutex
	live map[string]map[uuid.UUID]Msg
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{live: make(map[string]map[uuid.UUID]Msg)}
}

func (s *MemoryStore) AppendCommit(queueEP string, enqueued []Msg, removedIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.live[queueEP]
	if !ok {
		msgs = make(map[uuid.UUID]Msg)
		s.live[queueEP] = msgs
	}
	for _, m := range enqueued {
		msgs[m.ID] = m
	}
	for _, id := range removedIDs {
		delete(msgs, id)
	}
	return nil
}

func (s *MemoryStore) Replay(queueEP string) ([]Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Msg, 0, len(s.live[queueEP]))
	for _, m := range s.live[queueEP] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// record is the on-disk unit FileStore appends per committed
// transaction.
type record struct {
	QueueEP    string      `json:"queueEP"`
	Enqueued   []Msg       `json:"enqueued"`
	RemovedIDs []uuid.UUID `json:"removedIds"`
}

// FileStore appends one length-prefixed JSON record per committed
// transaction to a single append-only log file, fsyncing before Commit
// returns (spec.md §4.8 "each committed transaction is fsynced to the
// log before Commit returns"). Crash recovery replays the whole file.
type FileStore struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenFileStore opens (creating if necessary) the transaction log at
// path.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStore{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileStore) AppendCommit(queueEP string, enqueued []Msg, removedIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{QueueEP: queueEP, Enqueued: enqueued, RemovedIDs: removedIDs}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Replay re-derives a queue's visible message set by folding every
// committed record in log order: later removals cancel earlier
// enqueues, and a message enqueued then later removed never appears.
func (s *FileStore) Replay(queueEP string) ([]Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(s.f)

	live := make(map[uuid.UUID]Msg)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		if rec.QueueEP != queueEP {
			continue
		}
		for _, m := range rec.Enqueued {
			live[m.ID] = m
		}
		for _, id := range rec.RemovedIDs {
			delete(live, id)
		}
	}

	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	out := make([]Msg, 0, len(live))
	for _, m := range live {
		out = append(out, m)
	}
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
