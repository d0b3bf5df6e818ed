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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errandhq/errand/internal/cache"
	"github.com/errandhq/errand/model"
)

func TestGetPushTemplate_ReadsThroughCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ds := Datasource{Conn: db, Cache: cache.NewCacheWithClient(client)}

	mock.ExpectQuery("FROM errand.push_templates").
		WithArgs(model.NotificationPaymentReceived, "en").
		WillReturnRows(sqlmock.NewRows([]string{"notification_type", "language", "title", "body"}).
			AddRow(model.NotificationPaymentReceived, "en", "Payment received", "You received {{.amount}}"))

	first, err := ds.GetPushTemplate(context.Background(), model.NotificationPaymentReceived, "en")
	require.NoError(t, err)
	second, err := ds.GetPushTemplate(context.Background(), model.NotificationPaymentReceived, "en")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPushTemplate_InvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewCacheWithClient(client)
	ds := Datasource{Conn: db, Cache: c}

	stale := model.PushTemplate{NotificationType: "refund_approved", Language: "fr", Title: "old", Body: "old"}
	require.NoError(t, c.Set(context.Background(), "push_template:refund_approved:fr", &stale, templateCacheTTL))

	mock.ExpectExec("INSERT INTO errand.push_templates").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ds.UpsertPushTemplate(context.Background(), &model.PushTemplate{NotificationType: "refund_approved", Language: "fr", Title: "new", Body: "new"}))

	var cached model.PushTemplate
	_ = c.Get(context.Background(), "push_template:refund_approved:fr", &cached)
	assert.Empty(t, cached.NotificationType)
}

func TestRegisterDeviceToken_DefaultsLanguage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("INSERT INTO errand.device_tokens").
		WithArgs(sqlmock.AnyArg(), "u1", "tok", model.PlatformIOS, "en", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token := &model.DeviceToken{UserID: "u1", Token: "tok", Platform: model.PlatformIOS}
	require.NoError(t, ds.RegisterDeviceToken(context.Background(), token))
	assert.True(t, token.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}
