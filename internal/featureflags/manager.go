// Package featureflags evaluates rollout flags from configuration.
package featureflags

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Known flags.
const (
	// BlockSelfEngagement rejects likes and reposts on the actor's own posts.
	BlockSelfEngagement = "block_self_engagement"
	// LiveFeed enables the websocket following feed.
	LiveFeed = "live_feed"
	// FollowNotifications emits a notification when someone follows you.
	FollowNotifications = "follow_notifications"
)

// rule is one parsed flag: a percentage of users, where 0 is off and 100 is on.
type rule struct {
	percent int
	source  string
}

func parseRule(value string) (rule, bool) {
	switch value {
	case "on", "true", "1":
		return rule{percent: 100, source: value}, true
	case "off", "false", "0":
		return rule{percent: 0, source: value}, true
	}
	digits, ok := strings.CutSuffix(value, "%")
	if !ok {
		return rule{}, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return rule{}, false
	}
	return rule{percent: min(max(n, 0), 100), source: value}, true
}

// Manager holds flags parsed from a comma separated list such as
// "live_feed=on,block_self_engagement=25%,follow_notifications=off".
// Entries that do not parse are ignored. A nil Manager has every flag off.
type Manager struct {
	rules map[string]rule
}

func NewManager(raw string) *Manager {
	m := &Manager{rules: make(map[string]rule)}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name, value = normalize(name), normalize(value)
		if name == "" {
			continue
		}
		if r, ok := parseRule(value); ok {
			m.rules[name] = r
		}
	}
	return m
}

// Enabled evaluates name for userID. Partial rollouts hash the flag and the
// user together so each user lands in a stable bucket, and anonymous callers
// only see flags that are fully on.
func (m *Manager) Enabled(name, userID string) bool {
	if m == nil {
		return false
	}
	name = normalize(name)
	r, ok := m.rules[name]
	switch {
	case !ok || r.percent == 0:
		return false
	case r.percent == 100:
		return true
	case userID == "":
		return false
	}
	return bucket(name, userID) < r.percent
}

// Raw returns every flag as it was configured.
func (m *Manager) Raw() map[string]string {
	out := map[string]string{}
	if m == nil {
		return out
	}
	for name, r := range m.rules {
		out[name] = r.source
	}
	return out
}

// Snapshot evaluates every configured flag for userID.
func (m *Manager) Snapshot(userID string) map[string]bool {
	out := map[string]bool{}
	if m == nil {
		return out
	}
	for name := range m.rules {
		out[name] = m.Enabled(name, userID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func bucket(name, userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}
