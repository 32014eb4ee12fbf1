// Package sessions maps conversations to workspace folders and tracks
// per-workspace worker session state.
//
// Every (chat, topic) pair the supervisor ever sees is assigned one
// folder name, derived from the chat title, unique forever:
//
//	("Family Chat", topic 0)       → "family-chat"
//	("Family Chat", topic "plans") → "family-chat-plans"
//	(main chat, topic 0)           → "main"
//
// The folder names the workspace directory, the IPC mailbox, the agent
// state directory and the session key, so it must never change once
// assigned.
package sessions

import "fmt"

// Reserved workspace folders. Main is the privileged admin
// conversation; global holds shared instructions readable by every
// other workspace. Neither is ever assigned by the router's slug path.
const (
	MainWorkspace   = "main"
	GlobalWorkspace = "global"
)

// BuildSessionKey is the conversation identity handed to workers:
// channel:chat:topic.
func BuildSessionKey(channel string, chatID, topicID int64) string {
	return fmt.Sprintf("%s:%d:%d", channel, chatID, topicID)
}
