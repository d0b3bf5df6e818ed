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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

const messageColumns = `id, ordinal, conversation_key, conversation_type, task_id, chat_id, sender_id, receiver_id,
	content, message_type, meta, idempotency_key, created_at`

// AppendMessage serialises appends per conversation through the conversation head row.
func (d Datasource) AppendMessage(ctx context.Context, msg *model.Message) error {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO errand.conversations (conversation_key, conversation_type) VALUES ($1, $2)
		ON CONFLICT (conversation_key) DO NOTHING
	`, msg.ConversationKey, msg.ConversationType)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to create conversation head", err)
	}

	var lastOrdinal int64
	err = tx.QueryRowContext(ctx, `SELECT last_ordinal FROM errand.conversations WHERE conversation_key = $1 FOR UPDATE`, msg.ConversationKey).Scan(&lastOrdinal)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to lock conversation", err)
	}

	if msg.IdempotencyKey != nil {
		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM errand.messages
				WHERE conversation_key = $1 AND sender_id IS NOT DISTINCT FROM $2 AND idempotency_key = $3
			)
		`, msg.ConversationKey, msg.SenderID, *msg.IdempotencyKey).Scan(&exists)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternal, "Failed to check message idempotency", err)
		}
		if exists {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, "message already sent", nil)
		}
	}

	var duplicate bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM errand.messages
			WHERE conversation_key = $1
			  AND sender_id IS NOT DISTINCT FROM $2
			  AND content = $3
			  AND date_trunc('second', created_at) = date_trunc('second', $4::timestamp)
		)
	`, msg.ConversationKey, msg.SenderID, msg.Content, msg.CreatedAt).Scan(&duplicate)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to check duplicate message", err)
	}
	if duplicate {
		return apierror.NewAPIError(apierror.ErrDuplicateRequest, "identical message sent in the same second", nil)
	}

	meta, err := marshalMeta(msg.Meta)
	if err != nil {
		return err
	}

	msg.Ordinal = lastOrdinal + 1
	err = tx.QueryRowContext(ctx, `
		INSERT INTO errand.messages (ordinal, conversation_key, conversation_type, task_id, chat_id, sender_id,
			receiver_id, content, message_type, meta, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`,
		msg.Ordinal, msg.ConversationKey, msg.ConversationType, msg.TaskID, msg.ChatID, msg.SenderID,
		msg.ReceiverID, msg.Content, msg.MessageType, meta, msg.IdempotencyKey, msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, "message already sent", nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to insert message", err)
	}

	for i := range msg.Attachments {
		attachment := &msg.Attachments[i]
		if attachment.ID == "" {
			attachment.ID = model.GenerateUUIDWithSuffix("attachment")
		}
		attachment.MessageID = msg.ID
		attachment.CreatedAt = msg.CreatedAt
		attachmentMeta, err := marshalMeta(attachment.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO errand.message_attachments (id, message_id, attachment_type, url, blob_id, meta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, attachment.ID, attachment.MessageID, attachment.AttachmentType, attachment.URL, attachment.BlobID, attachmentMeta, attachment.CreatedAt)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternal, "Failed to insert attachment", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE errand.conversations SET last_ordinal = $2, last_message_id = $3, updated_at = $4
		WHERE conversation_key = $1
	`, msg.ConversationKey, msg.Ordinal, msg.ID, msg.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to advance conversation head", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to commit message", err)
	}
	return nil
}

func (d Datasource) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	msg, err := scanMessage(d.Conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM errand.messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("message with ID '%d' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve message", err)
	}
	attachments, err := d.attachmentsFor(ctx, []int64{msg.ID})
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments[msg.ID]
	return msg, nil
}

// ListMessages returns up to limit messages after afterID in ascending order.
func (d Datasource) ListMessages(ctx context.Context, conversationKey string, afterID int64, limit int) ([]model.Message, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM errand.messages
		WHERE conversation_key = $1 AND id > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, conversationKey, afterID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	var ids []int64
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan message", err)
		}
		messages = append(messages, *msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over messages", err)
	}
	if len(ids) == 0 {
		return messages, nil
	}

	attachments, err := d.attachmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Attachments = attachments[messages[i].ID]
	}
	return messages, nil
}

func (d Datasource) UpdateMessageMeta(ctx context.Context, id int64, meta map[string]interface{}) error {
	encoded, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	result, err := d.Conn.ExecContext(ctx, `UPDATE errand.messages SET meta = $2 WHERE id = $1`, id, encoded)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to update message", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("message with ID '%d' not found", id), nil)
	}
	return nil
}

// AdvanceReadCursor is a compare-and-set upsert; a regressing message ID is a no-op.
func (d Datasource) AdvanceReadCursor(ctx context.Context, conversationKey, userID string, messageID int64, at time.Time) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.read_cursors (conversation_key, user_id, last_read_message_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_key, user_id) DO UPDATE
		SET last_read_message_id = EXCLUDED.last_read_message_id, updated_at = EXCLUDED.updated_at
		WHERE errand.read_cursors.last_read_message_id < EXCLUDED.last_read_message_id
	`, conversationKey, userID, messageID, at)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternal, "Failed to advance read cursor", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternal, "Failed to advance read cursor", err)
	}
	return n > 0, nil
}

// GetReadCursor returns a zero cursor when the user has not read anything yet.
func (d Datasource) GetReadCursor(ctx context.Context, conversationKey, userID string) (*model.ReadCursor, error) {
	cursor := model.ReadCursor{ConversationKey: conversationKey, UserID: userID}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT last_read_message_id, updated_at FROM errand.read_cursors WHERE conversation_key = $1 AND user_id = $2
	`, conversationKey, userID).Scan(&cursor.LastReadMessageID, &cursor.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve read cursor", err)
	}
	return &cursor, nil
}

func (d Datasource) CountUnread(ctx context.Context, conversationKey, userID string) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM errand.messages m
		WHERE m.conversation_key = $1
		  AND m.id > COALESCE((
			SELECT c.last_read_message_id FROM errand.read_cursors c
			WHERE c.conversation_key = $1 AND c.user_id = $2
		  ), 0)
		  AND m.sender_id IS DISTINCT FROM $2
	`, conversationKey, userID).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternal, "Failed to count unread messages", err)
	}
	return count, nil
}

func (d Datasource) GetAttachmentByBlobID(ctx context.Context, blobID string) (*model.MessageAttachment, *model.Message, error) {
	var attachment model.MessageAttachment
	var url, blob sql.NullString
	var meta []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, message_id, attachment_type, url, blob_id, meta, created_at
		FROM errand.message_attachments WHERE blob_id = $1
	`, blobID).Scan(&attachment.ID, &attachment.MessageID, &attachment.AttachmentType, &url, &blob, &meta, &attachment.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("attachment '%s' not found", blobID), nil)
		}
		return nil, nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve attachment", err)
	}
	attachment.URL, attachment.BlobID = nullString(url), nullString(blob)
	if attachment.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, nil, err
	}

	msg, err := scanMessage(d.Conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM errand.messages WHERE id = $1`, attachment.MessageID))
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve attachment message", err)
	}
	return &attachment, msg, nil
}

func (d Datasource) CreateCustomerServiceChat(ctx context.Context, chat *model.CustomerServiceChat) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.customer_service_chats (chat_id, user_id, agent_id, status, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, chat.ChatID, chat.UserID, chat.AgentID, chat.Status, chat.CreatedAt, chat.EndedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("chat '%s' already exists", chat.ChatID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to create customer service chat", err)
	}
	return nil
}

func (d Datasource) GetCustomerServiceChat(ctx context.Context, chatID string) (*model.CustomerServiceChat, error) {
	var chat model.CustomerServiceChat
	var endedAt sql.NullTime
	err := d.Conn.QueryRowContext(ctx, `
		SELECT chat_id, user_id, agent_id, status, created_at, ended_at FROM errand.customer_service_chats WHERE chat_id = $1
	`, chatID).Scan(&chat.ChatID, &chat.UserID, &chat.AgentID, &chat.Status, &chat.CreatedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("chat '%s' not found", chatID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve customer service chat", err)
	}
	chat.EndedAt = nullTime(endedAt)
	return &chat, nil
}

func (d Datasource) CloseCustomerServiceChat(ctx context.Context, chatID string, at time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE errand.customer_service_chats SET status = $2, ended_at = $3 WHERE chat_id = $1 AND status = $4
	`, chatID, model.ChatStatusClosed, at, model.ChatStatusOpen)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to close customer service chat", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apierror.NewAPIError(apierror.ErrConflictState, fmt.Sprintf("chat '%s' is not open", chatID), nil)
	}
	return nil
}

func (d Datasource) attachmentsFor(ctx context.Context, messageIDs []int64) (map[int64][]model.MessageAttachment, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, message_id, attachment_type, url, blob_id, meta, created_at
		FROM errand.message_attachments WHERE message_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, pq.Array(messageIDs))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list attachments", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[int64][]model.MessageAttachment)
	for rows.Next() {
		var a model.MessageAttachment
		var url, blob sql.NullString
		var meta []byte
		if err := rows.Scan(&a.ID, &a.MessageID, &a.AttachmentType, &url, &blob, &meta, &a.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan attachment", err)
		}
		a.URL, a.BlobID = nullString(url), nullString(blob)
		if a.Meta, err = unmarshalMeta(meta); err != nil {
			return nil, err
		}
		result[a.MessageID] = append(result[a.MessageID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over attachments", err)
	}
	return result, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var msg model.Message
	var taskID sql.NullInt64
	var chatID, senderID, receiverID, idemKey sql.NullString
	var meta []byte
	err := row.Scan(
		&msg.ID, &msg.Ordinal, &msg.ConversationKey, &msg.ConversationType, &taskID, &chatID, &senderID,
		&receiverID, &msg.Content, &msg.MessageType, &meta, &idemKey, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if taskID.Valid {
		id := taskID.Int64
		msg.TaskID = &id
	}
	msg.ChatID = nullString(chatID)
	msg.SenderID = nullString(senderID)
	msg.ReceiverID = nullString(receiverID)
	msg.IdempotencyKey = nullString(idemKey)
	if msg.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &msg, nil
}

func marshalMeta(meta map[string]interface{}) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to encode meta", err)
	}
	return string(data), nil
}

func unmarshalMeta(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to decode meta", err)
	}
	return meta, nil
}
