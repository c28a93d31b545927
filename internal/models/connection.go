package models

import (
	"fmt"
	"strconv"
	"time"
)

// Subscription is a client-declared filter describing which sync events a
// connection wants delivered. Empty fields are wildcards: a subscription
// matches an event only if every non-empty field agrees.
type Subscription struct {
	Tables     []string          `json:"tables,omitempty"`
	Operations []Operation       `json:"operations,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	ProjectID  string            `json:"project_id,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Matches reports whether ev satisfies every non-empty filter field.
func (s Subscription) Matches(ev *SyncEvent) bool {
	if len(s.Tables) > 0 && !containsString(s.Tables, ev.Table) {
		return false
	}
	if len(s.Operations) > 0 {
		found := false
		for _, op := range s.Operations {
			if op == ev.Operation {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.UserID != "" && s.UserID != ev.UserID {
		return false
	}
	if s.ProjectID != "" && !payloadHas(ev, "proyecto_id", s.ProjectID) {
		return false
	}
	for key, want := range s.Filters {
		if !payloadHas(ev, key, want) {
			return false
		}
	}
	return true
}

// payloadHas checks the event's data, then previous data, for key == want.
// Values arrive from JSON as strings or numbers; both compare as strings.
func payloadHas(ev *SyncEvent, key, want string) bool {
	for _, payload := range []map[string]any{ev.Data, ev.PreviousData} {
		if payload == nil {
			continue
		}
		if got, ok := payload[key]; ok {
			return stringify(got) == want
		}
	}
	return false
}

// ClientConnection is a live subscriber registered with the hub.
type ClientConnection struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	UserName      string         `json:"user_name"`
	SessionID     string         `json:"session_id"`
	Subscriptions []Subscription `json:"subscriptions"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Connected     bool           `json:"connected"`
}

// WantsEvent reports whether any subscription matches the event. A
// connection with no subscriptions receives everything.
func (c *ClientConnection) WantsEvent(ev *SyncEvent) bool {
	if len(c.Subscriptions) == 0 {
		return true
	}
	for _, sub := range c.Subscriptions {
		if sub.Matches(ev) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without ".0"
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
