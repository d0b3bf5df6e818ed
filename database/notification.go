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
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

const templateCacheTTL = 10 * time.Minute

func (d Datasource) CreateNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = model.GenerateUUIDWithSuffix("notification")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.notifications (id, user_id, type, title, content, related_id, read_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.UserID, n.Type, n.Title, n.Content, n.RelatedID, n.ReadAt, n.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to create notification", err)
	}
	return nil
}

func (d Datasource) GetNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, user_id, type, title, content, related_id, read_at, created_at
		FROM errand.notifications WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list notifications", err)
	}
	defer func() { _ = rows.Close() }()

	var notifications []model.Notification
	for rows.Next() {
		var n model.Notification
		var title, related sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &title, &n.Content, &related, &readAt, &n.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan notification", err)
		}
		n.Title, n.RelatedID, n.ReadAt = nullString(title), nullString(related), nullTime(readAt)
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over notifications", err)
	}
	return notifications, nil
}

// RegisterDeviceToken upserts by token; a token moving to another user is reassigned and reactivated.
func (d Datasource) RegisterDeviceToken(ctx context.Context, token *model.DeviceToken) error {
	now := d.now()
	if token.ID == "" {
		token.ID = model.GenerateUUIDWithSuffix("device")
	}
	if token.Language == "" {
		token.Language = "en"
	}
	token.IsActive = true
	token.CreatedAt, token.UpdatedAt = now, now

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.device_tokens (id, user_id, token, platform, language, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, language = EXCLUDED.language,
			is_active = TRUE, deactivated_reason = NULL, updated_at = EXCLUDED.updated_at
	`, token.ID, token.UserID, token.Token, token.Platform, token.Language, token.CreatedAt, token.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to register device token", err)
	}
	return nil
}

func (d Datasource) GetActiveDeviceTokens(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, user_id, token, platform, language, is_active, created_at, updated_at, last_used_at
		FROM errand.device_tokens WHERE user_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list device tokens", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []model.DeviceToken
	for rows.Next() {
		var t model.DeviceToken
		var lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.Language, &t.IsActive, &t.CreatedAt, &t.UpdatedAt, &lastUsed); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan device token", err)
		}
		t.LastUsedAt = nullTime(lastUsed)
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over device tokens", err)
	}
	return tokens, nil
}

func (d Datasource) DeactivateDeviceToken(ctx context.Context, token, reason string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE errand.device_tokens SET is_active = FALSE, deactivated_reason = $2, updated_at = $3 WHERE token = $1
	`, token, reason, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to deactivate device token", err)
	}
	return nil
}

// GetPushTemplate reads through the cache when one is configured.
func (d Datasource) GetPushTemplate(ctx context.Context, notificationType, language string) (*model.PushTemplate, error) {
	key := fmt.Sprintf("push_template:%s:%s", notificationType, language)
	if d.Cache != nil {
		var cached model.PushTemplate
		if err := d.Cache.Get(ctx, key, &cached); err == nil && cached.NotificationType != "" {
			return &cached, nil
		}
	}

	var tpl model.PushTemplate
	err := d.Conn.QueryRowContext(ctx, `
		SELECT notification_type, language, title, body FROM errand.push_templates
		WHERE notification_type = $1 AND language = $2
	`, notificationType, language).Scan(&tpl.NotificationType, &tpl.Language, &tpl.Title, &tpl.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("push template %s/%s not found", notificationType, language), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve push template", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, key, &tpl, templateCacheTTL); err != nil {
			logrus.WithError(err).Warn("failed to cache push template")
		}
	}
	return &tpl, nil
}

func (d Datasource) UpsertPushTemplate(ctx context.Context, tpl *model.PushTemplate) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.push_templates (notification_type, language, title, body) VALUES ($1, $2, $3, $4)
		ON CONFLICT (notification_type, language) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body
	`, tpl.NotificationType, tpl.Language, tpl.Title, tpl.Body)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to save push template", err)
	}
	if d.Cache != nil {
		_ = d.Cache.Delete(ctx, fmt.Sprintf("push_template:%s:%s", tpl.NotificationType, tpl.Language))
	}
	return nil
}
