package subscription

import (
	"sort"
	"time"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

// Subscription routes one event type to one agent. (AgentName, EventType) is
// unique; higher Priority runs first.
type Subscription struct {
	AgentName string
	EventType event.Type
	Priority  int
	IsActive  bool
	Config    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order sorts subs by priority descending, then agent name ascending, so
// equal-priority ties resolve the same way on every run.
func Order(subs []Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].Priority != subs[j].Priority {
			return subs[i].Priority > subs[j].Priority
		}
		return subs[i].AgentName < subs[j].AgentName
	})
}
