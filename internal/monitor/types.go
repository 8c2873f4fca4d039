package monitor

import (
	"strconv"
	"strings"
	"time"
)

// UnknownCategory replaces a category the probe could not resolve.
const UnknownCategory = "Unknown Game"

// LiveStatus is the result of one probe. The zero value means offline.
type LiveStatus struct {
	Live         bool      `json:"live"`
	Title        string    `json:"title,omitempty"`
	Category     string    `json:"category,omitempty"`
	ViewerCount  int       `json:"viewer_count,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Offline is the status reported for a channel that is not streaming.
var Offline = LiveStatus{}

// Fingerprint identifies a stream session by its channel, title and category.
// Each field is length-prefixed so no title can imitate a field boundary.
func Fingerprint(channel, title, category string) string {
	var b strings.Builder
	for _, f := range [...]string{channel, title, category} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}

// ChannelState is the loop's bookkeeping for one tracked channel.
type ChannelState struct {
	LastKnownLive   bool
	LastNotifiedAt  time.Time // zero: never notified
	LastFingerprint string    // "": never notified
}

// RetryState counts failed loop iterations in a row.
type RetryState struct {
	ConsecutiveFailures int
}

func (r *RetryState) Reset() { r.ConsecutiveFailures = 0 }

// State is everything the monitor loop owns. Only the goroutine running
// Monitor.Run touches it.
type State struct {
	Channels map[string]*ChannelState
	Retry    RetryState
}

func NewState() *State {
	return &State{Channels: map[string]*ChannelState{}}
}

// channel returns the state for ch, creating an offline entry on first use.
func (s *State) channel(ch string) *ChannelState {
	st, ok := s.Channels[ch]
	if !ok {
		st = &ChannelState{}
		s.Channels[ch] = st
	}
	return st
}

// CheckResult is one line of a manual check.
type CheckResult struct {
	Channel string
	Status  LiveStatus
	Err     error
}

// TickResult summarizes one pass over the tracked channels.
type TickResult struct {
	Started     time.Time
	Channels    int
	Probed      int
	Skipped     int // cooldown-blocked, not probed
	Live        int
	Fired       int
	Failures    []error
	Err         error // the tick could not run at all (channel listing failed)
	Interrupted bool  // shutdown observed mid-tick
}

// Failed reports whether the tick counts as a failed iteration.
func (r TickResult) Failed() bool { return r.Err != nil || len(r.Failures) > 0 }

// Cause returns an error describing why the tick failed.
func (r TickResult) Cause() error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Failures) > 0 {
		return r.Failures[len(r.Failures)-1]
	}
	return nil
}

// Event payloads published on the bus.
type (
	LiveEvent struct {
		Channel string     `json:"channel"`
		Status  LiveStatus `json:"status"`
	}
	OfflineEvent struct {
		Channel string `json:"channel"`
	}
	RecoveryEvent struct {
		Action   string        `json:"action"`
		Delay    time.Duration `json:"delay"`
		Failures int           `json:"failures"`
		Cause    string        `json:"cause,omitempty"`
	}
)
