package record

import "time"

// Kinds of Entry.
const (
	KindConnect = "connect"
	KindForward = "forward"
)

// Entry describes one finished request or tunnel.
type Entry struct {
	Time      time.Time     `bson:"time"`
	Kind      string        `bson:"kind"`
	Client    string        `bson:"client"`
	Method    string        `bson:"method"`
	Target    string        `bson:"target"`
	Status    int           `bson:"status"`
	BytesUp   int64         `bson:"bytes_up"`
	BytesDown int64         `bson:"bytes_down"`
	Duration  time.Duration `bson:"duration"`
	Error     string        `bson:"error,omitempty"`
}

// Recorder receives entries. Record must be safe for concurrent use and
// must not block the caller for long.
type Recorder interface {
	Record(Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

// Multi fans an entry out to several recorders in order.
type Multi []Recorder

func (m Multi) Record(e Entry) {
	for _, r := range m {
		r.Record(e)
	}
}
