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
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/internal/push"
	"github.com/errandhq/errand/model"
)

type recordingSender struct {
	mu       sync.Mutex
	sent     []push.Message
	failures map[string]error
}

func (s *recordingSender) Send(_ context.Context, msg push.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures[msg.DeviceToken]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func pushTask(t *testing.T, job model.PushJob) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return asynq.NewTask(TypePushNotification, payload)
}

func TestEnqueuePushIsDeduplicated(t *testing.T) {
	mr := miniredis.RunT(t)
	cnf := testConfig()
	q := NewQueueWithConnOpt(asynq.RedisClientOpt{Addr: mr.Addr()}, cnf)
	defer q.Close()
	ctx := context.Background()

	job := model.PushJob{NotificationID: "notification_1", UserID: takerID, Type: model.NotificationPaymentReceived}
	require.NoError(t, q.EnqueuePush(ctx, job))
	require.NoError(t, q.EnqueuePush(ctx, job))

	info, err := q.Inspector.GetTaskInfo(cnf.Queue.PushQueue, "notification_1")
	require.NoError(t, err)
	assert.Equal(t, TypePushNotification, info.Type)
	assert.Equal(t, cnf.Queue.PushMaxRetry, info.MaxRetry)

	var decoded model.PushJob
	require.NoError(t, json.Unmarshal(info.Payload, &decoded))
	assert.Equal(t, job, decoded)

	perDevice := job
	perDevice.DeviceToken = "tok_a"
	require.NoError(t, q.EnqueuePush(ctx, perDevice))
	require.NoError(t, q.EnqueuePush(ctx, perDevice))
	_, err = q.Inspector.GetTaskInfo(cnf.Queue.PushQueue, "notification_1:tok_a")
	require.NoError(t, err)

	pending, err := q.Inspector.ListPendingTasks(cnf.Queue.PushQueue)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEscrowSchedule(t *testing.T) {
	cnf := testConfig()
	jobs := EscrowSchedule(cnf)
	require.Len(t, jobs, 3)

	specs := map[string]string{}
	for _, job := range jobs {
		specs[job.Task.Type()] = job.Cronspec
	}
	assert.Equal(t, "@every 60s", specs[TypeDisburseTick])
	assert.Equal(t, "@every 300s", specs[TypeAutoConfirmSweep])
	assert.Equal(t, "@every 600s", specs[TypeRefundRecovery])
}

// runPushJobs processes the per-device jobs queued by a fan out.
func (h *harness) runPushJobs(t *testing.T) []error {
	t.Helper()
	h.queue.mu.Lock()
	jobs := append([]model.PushJob(nil), h.queue.jobs...)
	h.queue.jobs = nil
	h.queue.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		require.NotEmpty(t, job.DeviceToken)
		errs = append(errs, h.e.ProcessPushTask(context.Background(), pushTask(t, job)))
	}
	return errs
}

func TestProcessPushTaskRendersPerLanguage(t *testing.T) {
	sender := &recordingSender{failures: map[string]error{
		"tok_gone": &push.Error{Status: http.StatusGone, Reason: "Unregistered"},
	}}
	h := newHarness(t, WithPushSender(sender))
	ctx := context.Background()

	require.NoError(t, h.store.UpsertPushTemplate(ctx, &model.PushTemplate{
		NotificationType: model.NotificationPaymentReceived, Language: "en",
		Title: "Payment received", Body: "{{.amount}} for task {{.task_id}} is on its way",
	}))
	require.NoError(t, h.store.UpsertPushTemplate(ctx, &model.PushTemplate{
		NotificationType: model.NotificationPaymentReceived, Language: "de",
		Title: "Zahlung erhalten", Body: "{{.amount}} für Auftrag {{.task_id}}",
	}))
	for token, language := range map[string]string{"tok_en": "en", "tok_de": "de", "tok_fr": "fr", "tok_gone": "en"} {
		require.NoError(t, h.store.RegisterDeviceToken(ctx, &model.DeviceToken{UserID: takerID, Token: token, Platform: model.PlatformIOS, Language: language}))
	}

	job := model.PushJob{
		NotificationID: "notification_1", UserID: takerID, Type: model.NotificationPaymentReceived,
		Variables: map[string]string{"amount": "54.00", "task_id": "2"},
	}
	require.NoError(t, h.e.ProcessPushTask(ctx, pushTask(t, job)))
	assert.Empty(t, sender.sent, "user jobs only fan out")
	assert.Equal(t, 4, h.queue.count())
	for _, err := range h.runPushJobs(t) {
		assert.NoError(t, err)
	}

	bodies := map[string]string{}
	for _, msg := range sender.sent {
		bodies[msg.DeviceToken] = msg.Body
		assert.Equal(t, "notification_1", msg.Data["notification_id"])
	}
	assert.Equal(t, "54.00 for task 2 is on its way", bodies["tok_en"])
	assert.Equal(t, "54.00 für Auftrag 2", bodies["tok_de"])
	assert.Equal(t, "54.00 for task 2 is on its way", bodies["tok_fr"], "falls back to english")

	active, err := h.store.GetActiveDeviceTokens(ctx, takerID)
	require.NoError(t, err)
	assert.Len(t, active, 3)
	for _, device := range active {
		assert.NotEqual(t, "tok_gone", device.Token)
	}
}

func TestPushRetryOnlyReachesFailedDevice(t *testing.T) {
	sender := &recordingSender{failures: map[string]error{
		"tok_busy": &push.Error{Status: http.StatusServiceUnavailable, Reason: "ServiceUnavailable"},
	}}
	h := newHarness(t, WithPushSender(sender))
	ctx := context.Background()
	require.NoError(t, h.store.UpsertPushTemplate(ctx, &model.PushTemplate{
		NotificationType: model.NotificationNewMessage, Language: "en", Title: "New message", Body: "{{.preview}}",
	}))
	for _, token := range []string{"tok_ok", "tok_busy"} {
		require.NoError(t, h.store.RegisterDeviceToken(ctx, &model.DeviceToken{UserID: posterID, Token: token, Platform: model.PlatformIOS}))
	}

	job := model.PushJob{NotificationID: "n1", UserID: posterID, Type: model.NotificationNewMessage, Variables: map[string]string{"preview": "hi"}}
	require.NoError(t, h.e.ProcessPushTask(ctx, pushTask(t, job)))
	require.Equal(t, 2, h.queue.count())
	errs := h.runPushJobs(t)
	require.Len(t, errs, 2)

	busy := job
	busy.DeviceToken = "tok_busy"
	for i := 0; i < 3; i++ {
		err := h.e.ProcessPushTask(ctx, pushTask(t, busy))
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	}

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "tok_ok", sender.sent[0].DeviceToken)

	active, err := h.store.GetActiveDeviceTokens(ctx, posterID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPushWithoutQueueDeliversInline(t *testing.T) {
	sender := &recordingSender{}
	h := newHarness(t, WithPushSender(sender), WithQueue(nil))
	ctx := context.Background()
	require.NoError(t, h.store.UpsertPushTemplate(ctx, &model.PushTemplate{
		NotificationType: model.NotificationNewMessage, Language: "en", Title: "New message", Body: "{{.preview}}",
	}))
	require.NoError(t, h.store.RegisterDeviceToken(ctx, &model.DeviceToken{UserID: posterID, Token: "tok", Platform: model.PlatformIOS}))

	job := model.PushJob{NotificationID: "n1", UserID: posterID, Type: model.NotificationNewMessage, Variables: map[string]string{"preview": "hi"}}
	require.NoError(t, h.e.ProcessPushTask(ctx, pushTask(t, job)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "hi", sender.sent[0].Body)
}

func TestProcessPushTaskWithoutTemplate(t *testing.T) {
	h := newHarness(t, WithPushSender(&recordingSender{}))
	ctx := context.Background()
	require.NoError(t, h.store.RegisterDeviceToken(ctx, &model.DeviceToken{UserID: posterID, Token: "tok", Platform: model.PlatformAndroid}))

	require.NoError(t, h.e.ProcessPushTask(ctx, pushTask(t, model.PushJob{NotificationID: "n", UserID: posterID, Type: "unknown_kind"})))
	errs := h.runPushJobs(t)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], asynq.SkipRetry))

	err := h.e.ProcessPushTask(ctx, asynq.NewTask(TypePushNotification, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	gone := model.PushJob{NotificationID: "n", UserID: posterID, Type: "unknown_kind", DeviceToken: "tok_unknown"}
	assert.NoError(t, h.e.ProcessPushTask(ctx, pushTask(t, gone)), "inactive devices are dropped")
}

func TestProcessPushTaskWithoutSender(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.e.ProcessPushTask(context.Background(), pushTask(t, model.PushJob{NotificationID: "n", UserID: posterID})))
}

func TestProcessEscrowTask(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := newHarness(t, WithRedis(client))
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	h.setPayoutAccount(t, takerID, "acct_taker")
	h.confirmTask(t, 1)

	err := h.e.ProcessEscrowTask(ctx, asynq.NewTask("escrow:unknown", nil))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	require.NoError(t, mr.Set("errand:job:"+TypeDisburseTick, "another-worker"))
	require.NoError(t, h.e.ProcessEscrowTask(ctx, asynq.NewTask(TypeDisburseTick, nil)))
	assert.Equal(t, model.TransferStatusPending, h.transfers(t, 1)[0].Status, "skipped while another worker holds the job")

	mr.Del("errand:job:" + TypeDisburseTick)
	h.gateway.On("AccountCanReceive", mock.Anything, "acct_taker").
		Return(&processor.AccountStatus{Submitted: true, ChargesEnabled: true}, nil)
	h.gateway.On("TransferToAccount", mock.Anything, "acct_taker", int64(9000), mock.Anything, mock.Anything).
		Return(&processor.Transfer{TransferID: "tr_1"}, nil).Once()

	require.NoError(t, h.e.ProcessEscrowTask(ctx, asynq.NewTask(TypeDisburseTick, nil)))
	assert.Equal(t, model.TransferStatusSucceeded, h.transfers(t, 1)[0].Status)
	assert.False(t, mr.Exists("errand:job:"+TypeDisburseTick), "lock released")

	h.clock.Advance(time.Hour)
	require.NoError(t, h.e.ProcessEscrowTask(ctx, asynq.NewTask(TypeAutoConfirmSweep, nil)))
	require.NoError(t, h.e.ProcessEscrowTask(ctx, asynq.NewTask(TypeRefundRecovery, nil)))
}
