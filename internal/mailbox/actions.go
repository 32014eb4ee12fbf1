// Package mailbox applies worker-written action files to the supervisor.
//
// Each workspace owns ipc/<folder>/ with messages/ and tasks/ subdirectories.
// Workers drop JSON documents there (written .tmp-then-rename, named
// <epoch_ms>-<rand6>.json); the supervisor polls, authorizes against the
// source workspace, applies, and deletes. Bad files move to errors/.
package mailbox

import (
	"encoding/json"
	"fmt"
)

// Action is one parsed mailbox document. The concrete type decides both the
// application logic and the authorization rule.
type Action interface {
	actionType() string
}

// MessageAction asks the supervisor to deliver text to a chat.
type MessageAction struct {
	ChatID    int64  `json:"chat_id"`
	TopicID   int64  `json:"topic_id,omitempty"`
	Text      string `json:"text"`
	Folder    string `json:"folder,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ReactionAction asks the supervisor to react to a chat message.
type ReactionAction struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Emoji     string `json:"emoji"`
	Folder    string `json:"folder,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ScheduleTaskAction creates a scheduled task. Folder is honored only when
// the source workspace is main; everyone else schedules for themselves.
type ScheduleTaskAction struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	TopicID       int64  `json:"topic_id,omitempty"`
	Folder        string `json:"folder,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
}

// TaskControlAction pauses, resumes or cancels a task by id. Op carries the
// original action type.
type TaskControlAction struct {
	Op     string
	TaskID string `json:"task_id"`
}

// RegisterChatAction registers a chat for triggering. Main-only.
type RegisterChatAction struct {
	ChatID      int64  `json:"chat_id"`
	ChatType    string `json:"chat_type"`
	ChatTitle   string `json:"chat_title"`
	TriggerMode string `json:"trigger_mode,omitempty"`
}

// ServiceControlAction restarts or rebuilds the supervisor. Main-only.
type ServiceControlAction struct {
	Action string `json:"action"`
}

func (MessageAction) actionType() string        { return "message" }
func (ReactionAction) actionType() string       { return "reaction" }
func (ScheduleTaskAction) actionType() string   { return "schedule_task" }
func (a TaskControlAction) actionType() string  { return a.Op }
func (RegisterChatAction) actionType() string   { return "register_chat" }
func (ServiceControlAction) actionType() string { return "service_control" }

// Service control verbs.
const (
	ServiceRestart = "restart"
	ServiceRebuild = "rebuild"
)

// ParseAction decodes one mailbox document into its typed variant, rejecting
// unknown types and missing required fields at the boundary.
func ParseAction(data []byte) (Action, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse mailbox document: %w", err)
	}

	switch env.Type {
	case "message":
		var a MessageAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse message action: %w", err)
		}
		if a.ChatID == 0 {
			return nil, fmt.Errorf("message action missing chat_id")
		}
		if a.Text == "" {
			return nil, fmt.Errorf("message action missing text")
		}
		return a, nil

	case "reaction":
		var a ReactionAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse reaction action: %w", err)
		}
		if a.ChatID == 0 || a.MessageID == 0 {
			return nil, fmt.Errorf("reaction action missing chat_id or message_id")
		}
		if a.Emoji == "" {
			return nil, fmt.Errorf("reaction action missing emoji")
		}
		return a, nil

	case "schedule_task":
		var a ScheduleTaskAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse schedule_task action: %w", err)
		}
		if a.Prompt == "" {
			return nil, fmt.Errorf("schedule_task action missing prompt")
		}
		if a.ScheduleType == "" || a.ScheduleValue == "" {
			return nil, fmt.Errorf("schedule_task action missing schedule")
		}
		return a, nil

	case "pause_task", "resume_task", "cancel_task":
		var a TaskControlAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse %s action: %w", env.Type, err)
		}
		if a.TaskID == "" {
			return nil, fmt.Errorf("%s action missing task_id", env.Type)
		}
		a.Op = env.Type
		return a, nil

	case "register_chat":
		var a RegisterChatAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse register_chat action: %w", err)
		}
		if a.ChatID == 0 {
			return nil, fmt.Errorf("register_chat action missing chat_id")
		}
		return a, nil

	case "service_control":
		var a ServiceControlAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse service_control action: %w", err)
		}
		if a.Action != ServiceRestart && a.Action != ServiceRebuild {
			return nil, fmt.Errorf("service_control action %q not supported", a.Action)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown mailbox action type %q", env.Type)
	}
}
