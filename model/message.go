package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ConversationTask            = "task"
	ConversationCustomerService = "customer_service"
	ConversationGlobal          = "global"
)

const (
	MessageTypeNormal = "normal"
	MessageTypeSystem = "system"
)

const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

// MetaDeletedAt marks a soft-deleted message inside Message.Meta.
const MetaDeletedAt = "deleted_at"

// Conversation identifies a task thread or a customer service chat.
type Conversation struct {
	Type   string `json:"conversation_type"`
	TaskID int64  `json:"task_id,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

func TaskConversation(taskID int64) Conversation {
	return Conversation{Type: ConversationTask, TaskID: taskID}
}

func CustomerServiceConversation(chatID string) Conversation {
	return Conversation{Type: ConversationCustomerService, ChatID: chatID}
}

// Key is the stable storage key, "task:<id>" or "cs:<chat id>".
func (c Conversation) Key() string {
	switch c.Type {
	case ConversationTask:
		return fmt.Sprintf("task:%d", c.TaskID)
	case ConversationCustomerService:
		return "cs:" + c.ChatID
	default:
		return "global"
	}
}

func ParseConversationKey(key string) (Conversation, error) {
	switch {
	case strings.HasPrefix(key, "task:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(key, "task:"), 10, 64)
		if err != nil {
			return Conversation{}, fmt.Errorf("invalid task conversation key %q", key)
		}
		return TaskConversation(id), nil
	case strings.HasPrefix(key, "cs:") && len(key) > 3:
		return CustomerServiceConversation(strings.TrimPrefix(key, "cs:")), nil
	case key == "global":
		return Conversation{Type: ConversationGlobal}, nil
	}
	return Conversation{}, fmt.Errorf("invalid conversation key %q", key)
}

type Message struct {
	ID               int64                  `json:"id"`
	Ordinal          int64                  `json:"ordinal"`
	ConversationKey  string                 `json:"conversation_key"`
	ConversationType string                 `json:"conversation_type"`
	TaskID           *int64                 `json:"task_id,omitempty"`
	ChatID           *string                `json:"chat_id,omitempty"`
	SenderID         *string                `json:"sender_id,omitempty"`
	ReceiverID       *string                `json:"receiver_id,omitempty"`
	Content          string                 `json:"content"`
	MessageType      string                 `json:"message_type"`
	Meta             map[string]interface{} `json:"meta,omitempty"`
	IdempotencyKey   *string                `json:"-"`
	CreatedAt        time.Time              `json:"created_at"`
	Attachments      []MessageAttachment    `json:"attachments,omitempty"`
}

func (m *Message) Sender() string {
	if m.SenderID == nil {
		return ""
	}
	return *m.SenderID
}

func (m *Message) IsDeleted() bool {
	if m.Meta == nil {
		return false
	}
	_, ok := m.Meta[MetaDeletedAt]
	return ok
}

// Redact replaces the content and attachments of a soft-deleted message.
func (m *Message) Redact(placeholder string) {
	m.Content = placeholder
	m.Attachments = nil
}

type MessageAttachment struct {
	ID             string                 `json:"id"`
	MessageID      int64                  `json:"message_id"`
	AttachmentType string                 `json:"attachment_type"`
	URL            *string                `json:"url,omitempty"`
	BlobID         *string                `json:"blob_id,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Valid enforces that exactly one of URL and BlobID is set.
func (a *MessageAttachment) Valid() bool {
	hasURL := a.URL != nil && *a.URL != ""
	hasBlob := a.BlobID != nil && *a.BlobID != ""
	return hasURL != hasBlob
}

type ReadCursor struct {
	ConversationKey   string    `json:"conversation_key"`
	UserID            string    `json:"user_id"`
	LastReadMessageID int64     `json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const (
	ChatStatusOpen   = "open"
	ChatStatusClosed = "closed"
)

type CustomerServiceChat struct {
	ChatID    string     `json:"chat_id"`
	UserID    string     `json:"user_id"`
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (c *CustomerServiceChat) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.UserID || userID == c.AgentID)
}

func (c *CustomerServiceChat) Participants() []string {
	return []string{c.UserID, c.AgentID}
}

func (c *CustomerServiceChat) IsActive() bool {
	return c.Status == ChatStatusOpen
}
