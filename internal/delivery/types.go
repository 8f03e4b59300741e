package delivery

import (
	"errors"
	"time"
)

var (
	ErrStopped = errors.New("dispatcher stopped")
	ErrEmpty   = errors.New("empty message body")
)

// Event types published on the bus.
const (
	EventSent              = "delivery.sent"
	EventFailed            = "delivery.failed"
	EventDropped           = "delivery.dropped"
	EventBroadcastProgress = "broadcast.progress"
	EventBroadcastDone     = "broadcast.done"
)

// Config controls the delivery pipeline.
type Config struct {
	QueueSize int
	// RatePerSec and Burst shape the token bucket. RatePerSec < 0 disables it.
	RatePerSec float64
	Burst      int
	// MinGap is the least time between the end of one send and the start of the next.
	MinGap      time.Duration
	SendTimeout time.Duration
	ParseMode   string
	// ChunkLimit caps one outbound message in runes; longer bodies go out
	// as several paced sends.
	ChunkLimit int

	ProgressEvery int
	StatusMax     int
	StatusTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MinGap < 0 {
		c.MinGap = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = DefaultChunkLimit
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 10
	}
	if c.StatusMax <= 0 {
		c.StatusMax = 200
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	return c
}

// DefaultConfig matches the observed steady-state spacing of ~50ms per message.
func DefaultConfig() Config {
	return Config{MinGap: 50 * time.Millisecond}.withDefaults()
}

// Request is one message to one recipient. It is consumed exactly once.
type Request struct {
	ID         string    `json:"id"`
	Recipient  int64     `json:"recipient"`
	Body       string    `json:"-"`
	JobID      string    `json:"job_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Event is the payload of delivery.* bus events.
type Event struct {
	RequestID string        `json:"request_id"`
	ChatID    int64         `json:"chat_id"`
	JobID     string        `json:"job_id,omitempty"`
	Source    string        `json:"source,omitempty"`
	Class     string        `json:"class,omitempty"`
	Error     string        `json:"error,omitempty"`
	Waited    time.Duration `json:"waited"`
	At        time.Time     `json:"at"`
}

type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	Running  bool   `json:"running"`
}

// JobStatus is the aggregate of one broadcast. Queued counts requests the
// feeder has put on the queue; Sent+Failed+Dropped reaches Total when done.
type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Queued    int       `json:"queued"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Dropped   int       `json:"dropped"`
	Failures  []int64   `json:"failures,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DoneAt    time.Time `json:"done_at,omitempty"`
	Running   bool      `json:"running"`
}

func (j JobStatus) Finished() int { return j.Sent + j.Failed + j.Dropped }
