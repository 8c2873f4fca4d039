package monitor

import "time"

// Gate decides whether a probe result is worth an announcement.
//
// Only the offline-to-live edge can fire. On that edge the announcement is
// held back while Cooldown has not elapsed since the last one, and when the
// session fingerprint matches the last announced one. The monitor drops the
// fingerprint once an offline observation lands past the cooldown (see
// SessionEnded). DuplicateWindow additionally expires a matching fingerprint;
// zero disables that expiry.
type Gate struct {
	Cooldown        time.Duration
	DuplicateWindow time.Duration
}

// Decision reasons, also used as metric labels.
const (
	ReasonFire      = "fire"
	ReasonOffline   = "offline"
	ReasonSteady    = "steady"
	ReasonCooldown  = "cooldown"
	ReasonDuplicate = "duplicate"
)

type Decision struct {
	Fire        bool
	Fingerprint string
	Reason      string
}

// ShouldNotify never mutates st; applying the decision is the caller's job.
func (g Gate) ShouldNotify(channel string, st ChannelState, status LiveStatus, now time.Time) Decision {
	if !status.Live {
		return Decision{Reason: ReasonOffline}
	}
	fp := Fingerprint(channel, status.Title, status.Category)
	if st.LastKnownLive {
		return Decision{Fingerprint: fp, Reason: ReasonSteady}
	}
	if g.CoolingDown(st, now) {
		return Decision{Fingerprint: fp, Reason: ReasonCooldown}
	}
	if st.LastFingerprint != "" && fp == st.LastFingerprint {
		if g.DuplicateWindow <= 0 || now.Sub(st.LastNotifiedAt) < g.DuplicateWindow {
			return Decision{Fingerprint: fp, Reason: ReasonDuplicate}
		}
	}
	return Decision{Fire: true, Fingerprint: fp, Reason: ReasonFire}
}

// CoolingDown reports whether the channel was announced less than Cooldown ago.
func (g Gate) CoolingDown(st ChannelState, now time.Time) bool {
	return !st.LastNotifiedAt.IsZero() && now.Sub(st.LastNotifiedAt) < g.Cooldown
}

// SessionEnded reports whether an offline observation at now closes the last
// announced session, making the same title and category eligible again. An
// offline blip inside the cooldown does not.
func (g Gate) SessionEnded(st ChannelState, now time.Time) bool {
	return st.LastFingerprint != "" && !g.CoolingDown(st, now)
}
