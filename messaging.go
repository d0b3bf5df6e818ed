/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errand

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

// conversationScope is the authorization view of one conversation.
type conversationScope struct {
	conversation model.Conversation
	participants []string
	active       bool
	task         *model.Task
	chat         *model.CustomerServiceChat
}

func (s *conversationScope) isParticipant(userID string) bool {
	for _, p := range s.participants {
		if p != "" && p == userID {
			return true
		}
	}
	return false
}

// other returns the participant that is not userID, if any.
func (s *conversationScope) other(userID string) *string {
	for _, p := range s.participants {
		if p != "" && p != userID {
			return ptr.String(p)
		}
	}
	return nil
}

func (e *Errand) scope(ctx context.Context, conversation model.Conversation) (*conversationScope, error) {
	switch conversation.Type {
	case model.ConversationTask:
		task, err := e.datasource.GetTask(ctx, conversation.TaskID)
		if err != nil {
			return nil, err
		}
		return &conversationScope{conversation: conversation, participants: task.Participants(), active: task.IsActive(), task: task}, nil
	case model.ConversationCustomerService:
		chat, err := e.datasource.GetCustomerServiceChat(ctx, conversation.ChatID)
		if err != nil {
			return nil, err
		}
		return &conversationScope{conversation: conversation, participants: chat.Participants(), active: chat.IsActive(), chat: chat}, nil
	}
	return nil, conflictState("conversation type %q is not supported", conversation.Type)
}

func (e *Errand) authorizedScope(ctx context.Context, conversation model.Conversation, actor model.Actor, allowAdmin bool) (*conversationScope, error) {
	scope, err := e.scope(ctx, conversation)
	if err != nil {
		return nil, err
	}
	if scope.isParticipant(actor.ID) || (allowAdmin && actor.IsAdmin()) {
		return scope, nil
	}
	return nil, forbidden("user %s is not part of conversation %s", actor.ID, conversation.Key())
}

// AppendTaskMessage appends a message to a task conversation. Normal messages
// come from the poster or the taker; system messages only from internal callers.
func (e *Errand) AppendTaskMessage(ctx context.Context, taskID int64, sender model.Actor, input MessageInput) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Appending task message")
	defer span.End()

	if err := e.checkWritable(ctx); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, invalidInput(err)
	}

	scope, err := e.scope(ctx, model.TaskConversation(taskID))
	if err != nil {
		return nil, err
	}
	if scope.task.Status == model.TaskStatusCancelled && !e.config.Messaging.AllowCancelledTaskMessages {
		return nil, conflictState("task %d is cancelled", taskID)
	}

	msg, err := e.newMessage(scope, sender, input)
	if err != nil {
		return nil, err
	}
	msg.TaskID = &taskID
	return e.appendMessage(ctx, scope, msg)
}

// AppendCustomerServiceMessage appends a message to an open customer service chat.
func (e *Errand) AppendCustomerServiceMessage(ctx context.Context, chatID string, sender model.Actor, input MessageInput) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Appending customer service message")
	defer span.End()

	if err := e.checkWritable(ctx); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, invalidInput(err)
	}

	scope, err := e.scope(ctx, model.CustomerServiceConversation(chatID))
	if err != nil {
		return nil, err
	}
	if !scope.chat.IsActive() {
		return nil, apierror.NewReasonError(apierror.ErrConflictState, apierror.ReasonChatClosed, fmt.Sprintf("chat %s is closed", chatID))
	}

	msg, err := e.newMessage(scope, sender, input)
	if err != nil {
		return nil, err
	}
	msg.ChatID = ptr.String(chatID)
	return e.appendMessage(ctx, scope, msg)
}

func (e *Errand) newMessage(scope *conversationScope, sender model.Actor, input MessageInput) (*model.Message, error) {
	msg := &model.Message{
		ConversationKey:  scope.conversation.Key(),
		ConversationType: scope.conversation.Type,
		Content:          input.Content,
		MessageType:      input.MessageType,
		Meta:             input.Meta,
		Attachments:      input.Attachments,
		CreatedAt:        e.clock.Now(),
	}
	if input.IdempotencyKey != "" {
		msg.IdempotencyKey = ptr.String(input.IdempotencyKey)
	}

	switch input.MessageType {
	case model.MessageTypeSystem:
		if !sender.IsSystem() {
			return nil, forbidden("system messages are reserved for internal callers")
		}
	default:
		if sender.IsSystem() || !scope.isParticipant(sender.ID) {
			return nil, forbidden("user %s cannot post in conversation %s", sender.ID, scope.conversation.Key())
		}
		msg.SenderID = ptr.String(sender.ID)
		msg.ReceiverID = scope.other(sender.ID)
	}
	return msg, nil
}

func (e *Errand) appendMessage(ctx context.Context, scope *conversationScope, msg *model.Message) (*model.Message, error) {
	if err := e.datasource.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	var recipients []string
	if msg.ReceiverID != nil {
		recipients = []string{*msg.ReceiverID}
	} else if msg.SenderID == nil {
		recipients = scope.participants
	}

	notices := make([]notice, 0, len(recipients))
	for _, userID := range recipients {
		notices = append(notices, notice{
			userID:    userID,
			kind:      model.NotificationNewMessage,
			content:   preview(msg),
			relatedID: msg.ConversationKey,
			variables: map[string]string{"conversation": msg.ConversationKey, "preview": preview(msg)},
		})
	}
	e.fanout(ctx, notices...)
	return msg, nil
}

func preview(msg *model.Message) string {
	const limit = 80
	runes := []rune(msg.Content)
	if len(runes) == 0 && len(msg.Attachments) > 0 {
		return "[attachment]"
	}
	if len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return string(runes)
}

// AdvanceCursor records that the actor has read up to messageID. The cursor
// never moves backwards; the result reports whether it moved.
func (e *Errand) AdvanceCursor(ctx context.Context, conversation model.Conversation, actor model.Actor, messageID int64) (bool, error) {
	ctx, span := tracer.Start(ctx, "Advancing read cursor")
	defer span.End()

	if _, err := e.authorizedScope(ctx, conversation, actor, false); err != nil {
		return false, err
	}
	msg, err := e.datasource.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg.ConversationKey != conversation.Key() {
		return false, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("message %d is not in conversation %s", messageID, conversation.Key()), nil)
	}
	return e.datasource.AdvanceReadCursor(ctx, conversation.Key(), actor.ID, messageID, e.clock.Now())
}

// UnreadCount counts messages after the actor's cursor that others sent.
func (e *Errand) UnreadCount(ctx context.Context, conversation model.Conversation, actor model.Actor) (int64, error) {
	if _, err := e.authorizedScope(ctx, conversation, actor, false); err != nil {
		return 0, err
	}
	return e.datasource.CountUnread(ctx, conversation.Key(), actor.ID)
}

// ListMessages pages through a conversation in append order. Deleted
// messages are returned with their content redacted.
func (e *Errand) ListMessages(ctx context.Context, conversation model.Conversation, actor model.Actor, afterID int64, limit int) ([]model.Message, error) {
	ctx, span := tracer.Start(ctx, "Listing messages")
	defer span.End()

	if _, err := e.authorizedScope(ctx, conversation, actor, true); err != nil {
		return nil, err
	}
	maxPage := e.config.Messaging.PageSizeLimit
	if limit <= 0 || limit > maxPage {
		limit = maxPage
	}

	messages, err := e.datasource.ListMessages(ctx, conversation.Key(), afterID, limit)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].IsDeleted() {
			messages[i].Redact(e.config.Messaging.RedactedContent)
		}
	}
	return messages, nil
}

// SoftDeleteMessage marks a message deleted. Its private attachments are
// removed from storage on a best effort basis.
func (e *Errand) SoftDeleteMessage(ctx context.Context, messageID int64, actor model.Actor) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Deleting message")
	defer span.End()

	if err := e.checkWritable(ctx); err != nil {
		return nil, err
	}
	msg, err := e.datasource.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender() != actor.ID && !actor.IsAdmin() {
		return nil, forbidden("user %s cannot delete message %d", actor.ID, messageID)
	}
	if msg.IsDeleted() {
		return msg, nil
	}

	meta := make(map[string]interface{}, len(msg.Meta)+2)
	for k, v := range msg.Meta {
		meta[k] = v
	}
	meta[model.MetaDeletedAt] = e.clock.Now().Format(time.RFC3339)
	meta["deleted_by"] = actor.ID
	if err := e.datasource.UpdateMessageMeta(ctx, messageID, meta); err != nil {
		return nil, err
	}
	msg.Meta = meta

	if e.storage != nil {
		for _, a := range msg.Attachments {
			if a.BlobID == nil {
				continue
			}
			if err := e.storage.Delete(ctx, e.storage.PrivateKey(*a.BlobID)); err != nil {
				logrus.WithFields(logrus.Fields{"message_id": messageID, "blob_id": *a.BlobID}).WithError(err).Error("failed to delete attachment blob")
			}
		}
	}
	return msg, nil
}

// OpenCustomerServiceChat starts a chat between a user and a support agent.
func (e *Errand) OpenCustomerServiceChat(ctx context.Context, userID, agentID string) (*model.CustomerServiceChat, error) {
	if userID == "" || agentID == "" || userID == agentID {
		return nil, invalidInput(fmt.Errorf("a chat needs a user and a distinct agent"))
	}
	chat := &model.CustomerServiceChat{
		ChatID:    "chat_" + uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Status:    model.ChatStatusOpen,
		CreatedAt: e.clock.Now(),
	}
	if err := e.datasource.CreateCustomerServiceChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// CloseCustomerServiceChat ends a chat. Closed chats accept no messages and
// their stale attachment tokens stop working.
func (e *Errand) CloseCustomerServiceChat(ctx context.Context, chatID string, actor model.Actor) (*model.CustomerServiceChat, error) {
	chat, err := e.datasource.GetCustomerServiceChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, forbidden("user %s cannot close chat %s", actor.ID, chatID)
	}

	now := e.clock.Now()
	if err := e.datasource.CloseCustomerServiceChat(ctx, chatID, now); err != nil {
		return nil, err
	}
	chat.Status = model.ChatStatusClosed
	chat.EndedAt = &now

	e.fanout(ctx, notice{
		userID:    chat.UserID,
		kind:      model.NotificationChatClosed,
		content:   "Your customer service chat was closed",
		relatedID: model.CustomerServiceConversation(chatID).Key(),
		variables: map[string]string{"chat_id": chatID},
	})
	return chat, nil
}
