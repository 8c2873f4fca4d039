package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "streambot/pkg/logx"
)

const (
	defaultFilePrefix = "./streambot_store"
	compactEvery      = 200
)

// fileStore keeps everything in plain files next to a prefix:
//   - <prefix>.channels.json           (JSON array, hand-editable)
//   - <prefix>.state.snapshot.json     (channel -> ChannelState)
//   - <prefix>.state.journal.jsonl     (append-only state changes)
//   - <prefix>.announcements.jsonl     (append-only delivery log)
//
// The channel file is re-read whenever its size or mtime changes, so edits made
// by the operator CLI from another process are picked up on the next tick.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	channelsPath string
	channels     []string
	channelsMod  time.Time
	channelsSize int64

	annFile *os.File

	snapshotPath string
	journal      *os.File
	states       map[string]ChannelState
	stateWrites  int
}

type stateRecord struct {
	ChannelState
	Deleted bool `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultFilePrefix
	}
	dir := filepath.Dir(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		channelsPath: prefix + ".channels.json",
		snapshotPath: prefix + ".state.snapshot.json",
		states:       map[string]ChannelState{},
	}
	if err := s.refreshChannelsLocked(); err != nil {
		return nil, err
	}

	if err := loadStateSnapshot(s.snapshotPath, s.states); err != nil && !os.IsNotExist(err) {
		log.Warn("state snapshot unreadable; starting empty", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	journalPath := prefix + ".state.journal.jsonl"
	if err := replayStateJournal(journalPath, s.states); err != nil && !os.IsNotExist(err) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	af, err := os.OpenFile(prefix+".announcements.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.annFile = af
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.annFile != nil {
		errs = append(errs, s.annFile.Close())
		s.annFile = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

// ---- channels ----

func (s *fileStore) ListChannels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshChannelsLocked(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.channels...), nil
}

func (s *fileStore) AddChannel(ctx context.Context, name string) error {
	n, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshChannelsLocked(); err != nil {
		return err
	}
	if indexOf(s.channels, n) >= 0 {
		return ErrChannelExists
	}
	return s.writeChannelsLocked(append(append([]string(nil), s.channels...), n))
}

func (s *fileStore) RemoveChannel(ctx context.Context, name string) error {
	n, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshChannelsLocked(); err != nil {
		return err
	}
	i := indexOf(s.channels, n)
	if i < 0 {
		return ErrChannelNotFound
	}
	next := append(append([]string(nil), s.channels[:i]...), s.channels[i+1:]...)
	return s.writeChannelsLocked(next)
}

func (s *fileStore) refreshChannelsLocked() error {
	st, err := os.Stat(s.channelsPath)
	if os.IsNotExist(err) {
		s.channels, s.channelsMod, s.channelsSize = nil, time.Time{}, 0
		return nil
	}
	if err != nil {
		return err
	}
	if st.ModTime().Equal(s.channelsMod) && st.Size() == s.channelsSize {
		return nil
	}

	b, err := os.ReadFile(s.channelsPath)
	if err != nil {
		return err
	}
	var raw []string
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("%s: %w", s.channelsPath, err)
		}
	}
	list := make([]string, 0, len(raw))
	for _, r := range raw {
		n, err := NormalizeChannel(r)
		if err != nil {
			s.log.Warn("skipping invalid channel entry", logx.String("path", s.channelsPath), logx.String("entry", r))
			continue
		}
		if indexOf(list, n) < 0 {
			list = append(list, n)
		}
	}
	s.channels, s.channelsMod, s.channelsSize = list, st.ModTime(), st.Size()
	return nil
}

func (s *fileStore) writeChannelsLocked(list []string) error {
	if list == nil {
		list = []string{}
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.channelsPath, append(b, '\n')); err != nil {
		return err
	}
	s.channels = list
	if st, err := os.Stat(s.channelsPath); err == nil {
		s.channelsMod, s.channelsSize = st.ModTime(), st.Size()
	}
	return nil
}

// ---- channel state ----

func (s *fileStore) LoadChannelStates(ctx context.Context) ([]ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *fileStore) SaveChannelState(ctx context.Context, st ChannelState) error {
	return s.appendState(stateRecord{ChannelState: st})
}

func (s *fileStore) DeleteChannelState(ctx context.Context, channel string) error {
	return s.appendState(stateRecord{ChannelState: ChannelState{Channel: channel}, Deleted: true})
}

func (s *fileStore) appendState(r stateRecord) error {
	if r.Channel == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if r.Deleted {
		delete(s.states, r.Channel)
	} else {
		s.states[r.Channel] = r.ChannelState
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked folds the journal into the snapshot and truncates it.
func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.states)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.snapshotPath, b); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadStateSnapshot(path string, out map[string]ChannelState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]ChannelState
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayStateJournal(path string, out map[string]ChannelState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Channel == "" {
			continue
		}
		if r.Deleted {
			delete(out, r.Channel)
			continue
		}
		out[r.Channel] = r.ChannelState
	}
	return sc.Err()
}

// ---- announcements ----

func (s *fileStore) AppendAnnouncement(ctx context.Context, a Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.annFile == nil {
		return ErrClosed
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	return json.NewEncoder(s.annFile).Encode(a)
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
