package domain

import (
	"errors"
	"maps"
	"time"
)

var ErrUnknownActionType = errors.New("unknown action type")

// ActionType names one of the mutations a technician can perform offline.
type ActionType string

const (
	ActionUpdateOrderStatus ActionType = "update_order_status"
	ActionSendMessage       ActionType = "send_message"
	ActionUploadPhoto       ActionType = "upload_photo"
	ActionUpdateLocation    ActionType = "update_location"
	ActionAcceptOrder       ActionType = "accept_order"
	ActionDeclineOrder      ActionType = "decline_order"
	ActionUpdateProfile     ActionType = "update_profile"
	ActionCreateOrderNote   ActionType = "create_order_note"
	ActionUpdateServiceArea ActionType = "update_service_area"
)

// AllActionTypes lists every action type in a stable order.
var AllActionTypes = []ActionType{
	ActionUpdateOrderStatus,
	ActionSendMessage,
	ActionUploadPhoto,
	ActionUpdateLocation,
	ActionAcceptOrder,
	ActionDeclineOrder,
	ActionUpdateProfile,
	ActionCreateOrderNote,
	ActionUpdateServiceArea,
}

// ParseActionType converts a string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	for _, t := range AllActionTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", ErrUnknownActionType
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

// Resolution selects which payload survives a conflict.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerge      Resolution = "merge"
	// ResolutionManual is only valid as a configured default: callers must choose.
	ResolutionManual Resolution = "manual"
)

type ConflictData struct {
	Local      map[string]any `json:"local"`
	Server     map[string]any `json:"server"`
	Resolved   bool           `json:"resolved"`
	DetectedAt time.Time      `json:"detected_at"`
}

// QueuedAction is the unit of durable work.
type QueuedAction struct {
	ID           string            `json:"id"`
	Type         ActionType        `json:"type"`
	Status       Status            `json:"status"`
	Payload      map[string]any    `json:"payload"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	Progress     *int              `json:"progress,omitempty"`
	Error        string            `json:"error,omitempty"`
	ConflictData *ConflictData     `json:"conflict_data,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Exhausted reports whether automatic retries are used up.
func (a QueuedAction) Exhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// Clone returns a deep copy so callers never share maps with the queue.
func (a QueuedAction) Clone() QueuedAction {
	c := a
	c.Payload = CloneMap(a.Payload)
	c.Metadata = maps.Clone(a.Metadata)
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		c.NextRetryAt = &t
	}
	if a.Progress != nil {
		p := *a.Progress
		c.Progress = &p
	}
	if a.ConflictData != nil {
		cd := *a.ConflictData
		cd.Local = CloneMap(a.ConflictData.Local)
		cd.Server = CloneMap(a.ConflictData.Server)
		c.ConflictData = &cd
	}
	return c
}

// CloneMap copies nested maps and slices found in decoded JSON payloads.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}

// Stats aggregates the queue by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflict   int `json:"conflict"`
}

// ComputeStats counts actions per status.
func ComputeStats(actions []QueuedAction) Stats {
	var s Stats
	for _, a := range actions {
		s.Total++
		switch a.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusConflict:
			s.Conflict++
		}
	}
	return s
}
