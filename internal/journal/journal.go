// Package journal records endpoint lifecycle events (start, stop,
// service announce and teardown, command timeouts) to a persistent
// store for postmortem inspection. Recording is best-effort: a failed
// append is logged and never surfaces to the transport paths.
package journal

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"afk/internal/logging"
)

var jlog = logging.For("journal")

// Kind classifies a journal event.
type Kind uint8

const (
	KindEndpointStarted Kind = iota + 1
	KindEndpointStopped
	KindServiceAnnounced
	KindServiceTeardown
	KindCommandTimeout
)

func (k Kind) String() string {
	switch k {
	case KindEndpointStarted:
		return "endpoint-started"
	case KindEndpointStopped:
		return "endpoint-stopped"
	case KindServiceAnnounced:
		return "service-announced"
	case KindServiceTeardown:
		return "service-teardown"
	case KindCommandTimeout:
		return "command-timeout"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one journal record.
type Event struct {
	Time     time.Time
	Run      uuid.UUID // endpoint instance identity
	Endpoint uint8
	Kind     Kind
	Channel  uint32
	Name     string // service name, if any
	Detail   string
}

// Store is the narrow persistence interface the journal writes through.
// The bbolt implementation lives in the bolt subpackage; tests may use
// an in-memory one.
type Store interface {
	Set(bucket, key, value []byte) error
	ForEach(bucket []byte, fn func(key, value []byte) error) error
	Close() error
}

var bucketEvents = []byte("events")

// Journal appends events to a Store under monotonically increasing keys.
type Journal struct {
	mu  sync.Mutex
	st  Store
	seq uint64
}

// New wraps a Store. st must not be nil; callers that want journaling
// disabled keep a nil *Journal instead.
func New(st Store) *Journal {
	return &Journal{st: st}
}

// Record appends one event. Safe on a nil journal.
func (j *Journal) Record(ev Event) {
	if j == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	j.mu.Lock()
	j.seq++
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, j.seq)
	j.mu.Unlock()

	if err := j.st.Set(bucketEvents, key, encode(ev)); err != nil {
		jlog.Warn("journal append failed", "kind", ev.Kind, "err", err)
	}
}

// Events returns all recorded events in append order.
func (j *Journal) Events() ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	var out []Event
	err := j.st.ForEach(bucketEvents, func(_, value []byte) error {
		ev, err := decode(value)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.st.Close()
}

// Records are fixed little-endian fields followed by two length-prefixed
// strings, the same codec discipline as the wire formats in this module.
func encode(ev Event) []byte {
	buf := make([]byte, 0, 34+len(ev.Name)+len(ev.Detail))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ev.Time.UnixNano()))
	buf = append(buf, ev.Run[:]...)
	buf = append(buf, ev.Endpoint, byte(ev.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, ev.Channel)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ev.Name)))
	buf = append(buf, ev.Name...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ev.Detail)))
	buf = append(buf, ev.Detail...)
	return buf
}

func decode(data []byte) (Event, error) {
	const fixed = 8 + 16 + 1 + 1 + 4 + 2
	if len(data) < fixed {
		return Event{}, fmt.Errorf("journal record too short: %d bytes", len(data))
	}
	var ev Event
	ev.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(data[0:8])))
	copy(ev.Run[:], data[8:24])
	ev.Endpoint = data[24]
	ev.Kind = Kind(data[25])
	ev.Channel = binary.LittleEndian.Uint32(data[26:30])

	off := 30
	nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if off+nameLen+2 > len(data) {
		return Event{}, fmt.Errorf("journal record truncated at name")
	}
	ev.Name = string(data[off : off+nameLen])
	off += nameLen
	detailLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if off+detailLen > len(data) {
		return Event{}, fmt.Errorf("journal record truncated at detail")
	}
	ev.Detail = string(data[off : off+detailLen])
	return ev, nil
}
