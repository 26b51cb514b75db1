package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventPositionClosed EventType = "position_closed"
	EventCloseFailed    EventType = "close_failed"
	EventSignalRejected EventType = "signal_rejected"
	EventTrailingMoved  EventType = "trailing_moved"
	EventSnapshot       EventType = "snapshot"
	EventReconciled     EventType = "reconciled"
)

// Event is what the bus fans out to subscribers. Exactly one of the
// payload fields is set, depending on Type.
type Event struct {
	ID       string       `json:"id"`
	Type     EventType    `json:"type"`
	At       time.Time    `json:"at"`
	Position *Position    `json:"position,omitempty"`
	Trade    *ClosedTrade `json:"trade,omitempty"`
	Signal   *Signal      `json:"signal,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Snapshot *BotSnapshot `json:"snapshot,omitempty"`
}

// BotSnapshot is the periodic state summary the orchestrator publishes.
type BotSnapshot struct {
	Positions []Position      `json:"positions"`
	DailyPnL  decimal.Decimal `json:"daily_pnl"`
	QueueLen  int             `json:"queue_len"`
	At        time.Time       `json:"at"`
}
