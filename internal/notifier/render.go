package notifier

import (
	"fmt"
	"strings"

	"streambot/internal/monitor"
	kit "streambot/internal/transport"
)

// ChannelURL is the public page of a channel.
func ChannelURL(channel string) string { return "https://twitch.tv/" + channel }

// Render builds the plain-text announcement for a channel that went live.
func Render(channel string, st monitor.LiveStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔴 %s is live!\n", channel)
	if t := strings.TrimSpace(st.Title); t != "" {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	cat := strings.TrimSpace(st.Category)
	if cat == "" {
		cat = monitor.UnknownCategory
	}
	fmt.Fprintf(&b, "\nCategory: %s\n", cat)
	fmt.Fprintf(&b, "Viewers: %d\n", st.ViewerCount)
	b.WriteString(ChannelURL(channel))
	return b.String()
}

// Notification builds the outbound message for one target.
func Notification(channel string, st monitor.LiveStatus, to kit.ChatTarget) kit.Notification {
	return kit.Notification{
		Channel:  channel,
		Target:   to,
		Text:     Render(channel, st),
		PhotoURL: st.ThumbnailURL,
		Options:  &kit.SendOptions{DisablePreview: st.ThumbnailURL != ""},
	}
}
