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
	"sort"
	"time"

	"github.com/errandhq/errand/model"
)

func (s *Store) CreateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = model.GenerateUUIDWithSuffix("notification")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications = append(s.notifications, *n)
	return nil
}

// GetNotifications lists the newest first.
func (s *Store) GetNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return out, nil
}

func (s *Store) RegisterDeviceToken(_ context.Context, token *model.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if token.Language == "" {
		token.Language = "en"
	}
	token.IsActive = true
	token.DeactivatedReason = nil
	token.UpdatedAt = now

	if existing, ok := s.deviceTokens[token.Token]; ok {
		token.ID, token.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		if token.ID == "" {
			token.ID = model.GenerateUUIDWithSuffix("device")
		}
		token.CreatedAt = now
	}
	stored := *token
	s.deviceTokens[token.Token] = &stored
	return nil
}

func (s *Store) GetActiveDeviceTokens(_ context.Context, userID string) ([]model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.DeviceToken
	for _, t := range s.deviceTokens {
		if t.UserID == userID && t.IsActive {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) DeactivateDeviceToken(_ context.Context, token, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.deviceTokens[token]; ok {
		t.IsActive = false
		t.DeactivatedReason = &reason
		t.UpdatedAt = at
	}
	return nil
}

func (s *Store) GetPushTemplate(_ context.Context, notificationType, language string) (*model.PushTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[templateKey{notificationType: notificationType, language: language}]
	if !ok {
		return nil, notFound("push template %s/%s not found", notificationType, language)
	}
	return &tpl, nil
}

func (s *Store) UpsertPushTemplate(_ context.Context, tpl *model.PushTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[templateKey{notificationType: tpl.NotificationType, language: tpl.Language}] = *tpl
	return nil
}
