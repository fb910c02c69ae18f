package events

import "log/slog"

// bufferedMsg stores a serialized message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m bufferedMsg) system() bool { return m.topic == TopicSystem }

// backlog holds messages published while the broker is unreachable.
//
// A device's decisions supersede each other, so only the latest per decision
// topic is kept and it moves to the back of the replay order. System events
// are kept individually. When full, the oldest decision is evicted first; the
// oldest system event goes only when nothing else is left.
//
// Not safe for concurrent use; caller must synchronize.
type backlog struct {
	msgs      []bufferedMsg
	capacity  int
	collapsed int // superseded decisions since last drain
	dropped   int // evictions since last drain
	logger    *slog.Logger
}

func newBacklog(capacity int, logger *slog.Logger) *backlog {
	if logger == nil {
		logger = slog.Default()
	}
	return &backlog{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (b *backlog) push(msg bufferedMsg) {
	if !msg.system() {
		if i := b.index(msg.topic); i >= 0 {
			b.remove(i)
			b.collapsed++
		}
	}
	if len(b.msgs) == b.capacity {
		b.evict()
	}
	b.msgs = append(b.msgs, msg)
}

// index returns the position of the buffered decision for topic, or -1.
func (b *backlog) index(topic string) int {
	for i, m := range b.msgs {
		if m.topic == topic {
			return i
		}
	}
	return -1
}

func (b *backlog) evict() {
	victim := 0
	for i, m := range b.msgs {
		if !m.system() {
			victim = i
			break
		}
	}
	if b.dropped == 0 {
		b.logger.Warn("event backlog full, dropping oldest",
			slog.Int("capacity", b.capacity),
			slog.Bool("system", b.msgs[victim].system()),
		)
	}
	b.dropped++
	b.remove(victim)
}

func (b *backlog) remove(i int) {
	copy(b.msgs[i:], b.msgs[i+1:])
	b.msgs = b.msgs[:len(b.msgs)-1]
}

// drain returns the backlog in replay order and empties it.
func (b *backlog) drain() []bufferedMsg {
	if len(b.msgs) == 0 {
		return nil
	}
	if b.dropped > 0 || b.collapsed > 0 {
		b.logger.Info("event backlog drained",
			slog.Int("count", len(b.msgs)),
			slog.Int("collapsed", b.collapsed),
			slog.Int("dropped", b.dropped),
		)
	}

	result := b.msgs
	b.msgs = make([]bufferedMsg, 0, b.capacity)
	b.collapsed = 0
	b.dropped = 0
	return result
}

func (b *backlog) len() int {
	return len(b.msgs)
}
