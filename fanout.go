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
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"

	"github.com/errandhq/errand/model"
)

// notice is one domain event addressed to one user.
type notice struct {
	userID    string
	kind      string
	title     string
	content   string
	relatedID string
	variables map[string]string
}

// NotificationFrame is the lightweight WebSocket frame announcing a notification.
type NotificationFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// fanout delivers notices after the triggering commit: it persists the
// notification, pings the recipient's live socket and enqueues a push. Every
// failure is logged and swallowed.
func (e *Errand) fanout(ctx context.Context, notices ...notice) {
	for _, n := range notices {
		if n.userID == "" {
			continue
		}
		fields := logrus.Fields{"user_id": n.userID, "kind": n.kind}

		record := &model.Notification{
			ID:        model.GenerateUUIDWithSuffix("notification"),
			UserID:    n.userID,
			Type:      n.kind,
			Content:   n.content,
			CreatedAt: e.clock.Now(),
		}
		if n.title != "" {
			record.Title = ptr.String(n.title)
		}
		if n.relatedID != "" {
			record.RelatedID = ptr.String(n.relatedID)
		}
		if err := e.datasource.CreateNotification(ctx, record); err != nil {
			fields["error"] = err
			logrus.WithFields(fields).Error("failed to persist notification")
			continue
		}

		if e.registry != nil && e.registry.IsOnline(n.userID) {
			frame := NotificationFrame{Type: "notification", ID: record.ID, Kind: n.kind}
			if err := e.registry.Send(ctx, n.userID, frame); err != nil {
				logrus.WithFields(fields).WithError(err).Warn("failed to deliver notification over websocket")
			}
		}

		if e.queue != nil {
			job := model.PushJob{
				NotificationID: record.ID,
				UserID:         n.userID,
				Type:           n.kind,
				Variables:      n.variables,
			}
			if err := e.queue.EnqueuePush(ctx, job); err != nil {
				logrus.WithFields(fields).WithError(err).Error("failed to enqueue push notification")
			}
		}
	}
}

// alertOperator raises an operator notification in the product and on Slack.
func (e *Errand) alertOperator(ctx context.Context, title string, fields map[string]string) {
	if operator := e.config.Escrow.OperatorUserID; operator != "" {
		e.fanout(ctx, notice{
			userID:    operator,
			kind:      model.NotificationOperatorAlert,
			title:     title,
			content:   describeFields(fields),
			relatedID: fields["transfer_id"] + fields["refund_id"],
			variables: fields,
		})
	}
	if e.operator == nil {
		return
	}
	if err := e.operator(title, fields); err != nil {
		logrus.WithField("title", title).WithError(err).Error("failed to alert operator")
	}
}

func describeFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}
