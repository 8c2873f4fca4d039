package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrChannelExists   = errors.New("channel already tracked")
	ErrChannelNotFound = errors.New("channel not tracked")
	ErrInvalidChannel  = errors.New("invalid channel name")
	ErrClosed          = errors.New("store closed")
)

// Config configures storage.
//
// Driver is one of "file", "sqlite" or "memory". Path is a file prefix for the
// file driver and the database file for sqlite.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChannelState is the persisted part of a channel's notification bookkeeping.
// Live/offline status is deliberately absent: it is re-learned by probing.
type ChannelState struct {
	Channel        string    `json:"channel"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
	Fingerprint    string    `json:"fingerprint"`
}

// Announcement records one delivery attempt of a live announcement.
type Announcement struct {
	At       time.Time `json:"at"`
	Channel  string    `json:"channel"`
	Title    string    `json:"title,omitempty"`
	Category string    `json:"category,omitempty"`
	Viewers  int       `json:"viewers,omitempty"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
}

// Store is the persistence API used by the monitor, notifier and operator CLI.
type Store interface {
	ListChannels(ctx context.Context) ([]string, error)
	AddChannel(ctx context.Context, name string) error
	RemoveChannel(ctx context.Context, name string) error

	LoadChannelStates(ctx context.Context) ([]ChannelState, error)
	SaveChannelState(ctx context.Context, st ChannelState) error
	DeleteChannelState(ctx context.Context, channel string) error

	AppendAnnouncement(ctx context.Context, a Announcement) error
	Close() error
}

var loginRE = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// NormalizeChannel lower-cases and trims a channel login. A leading "@" or a
// twitch.tv URL prefix is accepted.
func NormalizeChannel(name string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	for _, p := range []string{"https://www.twitch.tv/", "https://twitch.tv/", "www.twitch.tv/", "twitch.tv/", "@"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(s, "/")
	if !loginRE.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return s, nil
}
