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

package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

// AppendMessage assigns the next ordinal under the store lock, which plays the
// part of the conversation head row lock.
func (s *Store) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.messages {
		if existing.ConversationKey != msg.ConversationKey || existing.Sender() != msg.Sender() {
			continue
		}
		if msg.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *msg.IdempotencyKey {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, "message already sent", nil)
		}
		if existing.Content == msg.Content && existing.CreatedAt.Truncate(time.Second).Equal(msg.CreatedAt.Truncate(time.Second)) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, "identical message sent in the same second", nil)
		}
	}

	for i := range msg.Attachments {
		if msg.Attachments[i].BlobID == nil {
			continue
		}
		if _, _, found := s.attachmentLocked(*msg.Attachments[i].BlobID); found {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, "attachment already stored", nil)
		}
	}

	s.lastOrdinal[msg.ConversationKey]++
	msg.Ordinal = s.lastOrdinal[msg.ConversationKey]
	msg.ID = int64(len(s.messages) + 1)

	for i := range msg.Attachments {
		attachment := &msg.Attachments[i]
		if attachment.ID == "" {
			attachment.ID = model.GenerateUUIDWithSuffix("attachment")
		}
		attachment.MessageID = msg.ID
		attachment.CreatedAt = msg.CreatedAt
	}

	s.messages = append(s.messages, cloneMessage(msg))
	return nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id <= 0 || id > int64(len(s.messages)) {
		return nil, notFound("message with ID '%d' not found", id)
	}
	return cloneMessage(s.messages[id-1]), nil
}

func (s *Store) ListMessages(_ context.Context, conversationKey string, afterID int64, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, msg := range s.messages {
		if len(out) == limit {
			break
		}
		if msg.ConversationKey == conversationKey && msg.ID > afterID {
			out = append(out, *cloneMessage(msg))
		}
	}
	return out, nil
}

func (s *Store) UpdateMessageMeta(_ context.Context, id int64, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id <= 0 || id > int64(len(s.messages)) {
		return notFound("message with ID '%d' not found", id)
	}
	s.messages[id-1].Meta = cloneMeta(meta)
	return nil
}

func (s *Store) AdvanceReadCursor(_ context.Context, conversationKey, userID string, messageID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey{conversation: conversationKey, user: userID}
	if cursor, ok := s.cursors[key]; ok && cursor.LastReadMessageID >= messageID {
		return false, nil
	}
	s.cursors[key] = model.ReadCursor{
		ConversationKey:   conversationKey,
		UserID:            userID,
		LastReadMessageID: messageID,
		UpdatedAt:         at,
	}
	return true, nil
}

func (s *Store) GetReadCursor(_ context.Context, conversationKey, userID string) (*model.ReadCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, ok := s.cursors[cursorKey{conversation: conversationKey, user: userID}]
	if !ok {
		cursor = model.ReadCursor{ConversationKey: conversationKey, UserID: userID}
	}
	return &cursor, nil
}

func (s *Store) CountUnread(_ context.Context, conversationKey, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.cursors[cursorKey{conversation: conversationKey, user: userID}].LastReadMessageID
	var count int64
	for _, msg := range s.messages {
		if msg.ConversationKey == conversationKey && msg.ID > last && (msg.SenderID == nil || *msg.SenderID != userID) {
			count++
		}
	}
	return count, nil
}

func (s *Store) attachmentLocked(blobID string) (*model.MessageAttachment, *model.Message, bool) {
	for _, msg := range s.messages {
		for i := range msg.Attachments {
			a := msg.Attachments[i]
			if a.BlobID != nil && *a.BlobID == blobID {
				return &a, msg, true
			}
		}
	}
	return nil, nil, false
}

func (s *Store) GetAttachmentByBlobID(_ context.Context, blobID string) (*model.MessageAttachment, *model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attachment, msg, ok := s.attachmentLocked(blobID)
	if !ok {
		return nil, nil, notFound("attachment '%s' not found", blobID)
	}
	return attachment, cloneMessage(msg), nil
}

func (s *Store) CreateCustomerServiceChat(_ context.Context, chat *model.CustomerServiceChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chat.ChatID]; ok {
		return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("chat '%s' already exists", chat.ChatID), nil)
	}
	s.chats[chat.ChatID] = *chat
	return nil
}

func (s *Store) GetCustomerServiceChat(_ context.Context, chatID string) (*model.CustomerServiceChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, notFound("chat '%s' not found", chatID)
	}
	return &chat, nil
}

func (s *Store) CloseCustomerServiceChat(_ context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.Status != model.ChatStatusOpen {
		return apierror.NewAPIError(apierror.ErrConflictState, fmt.Sprintf("chat '%s' is not open", chatID), nil)
	}
	chat.Status = model.ChatStatusClosed
	chat.EndedAt = &at
	s.chats[chatID] = chat
	return nil
}

func cloneMeta(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	c.TaskID = clonePtr(m.TaskID)
	c.ChatID = clonePtr(m.ChatID)
	c.SenderID = clonePtr(m.SenderID)
	c.ReceiverID = clonePtr(m.ReceiverID)
	c.IdempotencyKey = clonePtr(m.IdempotencyKey)
	c.Meta = cloneMeta(m.Meta)
	if m.Attachments != nil {
		c.Attachments = make([]model.MessageAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			a.URL = clonePtr(a.URL)
			a.BlobID = clonePtr(a.BlobID)
			a.Meta = cloneMeta(a.Meta)
			c.Attachments[i] = a
		}
	}
	return &c
}
