package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu       sync.Mutex
	channels []string
	states   map[string]ChannelState
	log      []Announcement
	closed   bool
}

var _ Store = (*Memory)(nil)

func NewMemory(channels ...string) *Memory {
	m := &Memory{states: map[string]ChannelState{}}
	for _, c := range channels {
		_ = m.AddChannel(context.Background(), c)
	}
	return m
}

func (m *Memory) ListChannels(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), m.channels...), nil
}

func (m *Memory) AddChannel(ctx context.Context, name string) error {
	n, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if indexOf(m.channels, n) >= 0 {
		return ErrChannelExists
	}
	m.channels = append(m.channels, n)
	return nil
}

func (m *Memory) RemoveChannel(ctx context.Context, name string) error {
	n, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	i := indexOf(m.channels, n)
	if i < 0 {
		return ErrChannelNotFound
	}
	m.channels = append(m.channels[:i], m.channels[i+1:]...)
	return nil
}

func (m *Memory) LoadChannelStates(ctx context.Context) ([]ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (m *Memory) SaveChannelState(ctx context.Context, st ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.states[st.Channel] = st
	return nil
}

func (m *Memory) DeleteChannelState(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, channel)
	return nil
}

func (m *Memory) AppendAnnouncement(ctx context.Context, a Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.log = append(m.log, a)
	return nil
}

// Announcements returns a copy of every recorded announcement.
func (m *Memory) Announcements() []Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Announcement(nil), m.log...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
