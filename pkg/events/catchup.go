package events

import (
	"context"
	"strings"

	"github.com/storyloom/loom/pkg/store"
)

// LogCatchup implements CatchupQuerier over the event log. Only session
// channels carry durable history; any other channel yields no catchup
// events.
type LogCatchup struct {
	log *store.EventLog
}

// NewLogCatchup creates a CatchupQuerier backed by the event log.
func NewLogCatchup(log *store.EventLog) *LogCatchup {
	return &LogCatchup{log: log}
}

// GetCatchupEvents returns up to limit durable events published on the
// channel after position sinceID, oldest first.
func (c *LogCatchup) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	branch, ok := channelBranch(channel)
	if !ok {
		return nil, nil
	}

	events, err := c.log.GetEventsSince(ctx, branch, int64(sinceID), limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(events))
	for i, evt := range events {
		result[i] = CatchupEvent{ID: int(evt.Sequence), Payload: evt.Payload}
	}
	return result, nil
}

// channelBranch maps a broadcast channel to the event-log branch holding
// its durable events.
func channelBranch(channel string) (string, bool) {
	if id, ok := strings.CutPrefix(channel, "session:"); ok && id != "" {
		return SessionBranch(id), true
	}
	return "", false
}
