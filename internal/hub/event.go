package hub

import (
	"github.com/soundclash/battle-engine/internal/model"
)

// EventType tags the closed union of events pushed to subscribers. Every
// consumer must handle all variants; unknown types are a protocol bug.
type EventType string

const (
	// EventSnapshot is the synthetic current-state event every subscriber
	// receives immediately on connect.
	EventSnapshot EventType = "snapshot"

	// EventBattleUpdate reports a lifecycle or pool change on one battle.
	EventBattleUpdate EventType = "battle_update"

	// EventTrade reports one confirmed trade.
	EventTrade EventType = "trade"

	// EventBattleEnded reports settlement of a battle.
	EventBattleEnded EventType = "battle_ended"

	// EventQueueUpdate reports a queue membership change.
	EventQueueUpdate EventType = "queue_update"
)

// QueueSnapshot is the queue-level payload.
type QueueSnapshot struct {
	Entries           []model.QueueEntry `json:"entries"`
	ActiveBattleCount int                `json:"active_battle_count"`
	MaxConcurrent     int                `json:"max_concurrent"`
}

// Event is one message delivered to subscribers. Exactly one payload field
// is set, selected by Type.
type Event struct {
	Type       EventType         `json:"type"`
	BattleID   string            `json:"battle_id,omitempty"`
	Battle     *model.Battle     `json:"battle,omitempty"`
	Trade      *model.Trade      `json:"trade,omitempty"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
	Queue      *QueueSnapshot    `json:"queue,omitempty"`
}
