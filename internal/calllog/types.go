package calllog

import (
	"context"
	"time"
)

// Record is the metadata kept for one finished call. No audio is stored.
type Record struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	StreamSID         string    `json:"stream_sid,omitempty"`
	CallSID           string    `json:"call_sid,omitempty"`
	Variant           string    `json:"variant"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	EndReason         string    `json:"end_reason"`
	AICloseCode       int       `json:"ai_close_code,omitempty"`
	AICloseReason     string    `json:"ai_close_reason,omitempty"`
	MediaIn           int       `json:"media_in"`
	ChunksToAI        int       `json:"chunks_to_ai"`
	ChunksToTelephony int       `json:"chunks_to_telephony"`
	ControlEvents     int       `json:"control_events"`
	Dropped           int       `json:"dropped"`
}

// Store persists call records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}
