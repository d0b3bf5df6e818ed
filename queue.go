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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/internal/apierror"
	redlock "github.com/errandhq/errand/internal/lock"
	"github.com/errandhq/errand/internal/push"
	redis_db "github.com/errandhq/errand/internal/redis-db"
	"github.com/errandhq/errand/model"
)

// Task types handled by the workers.
const (
	TypePushNotification = "push:send"
	TypeDisburseTick     = "escrow:disburse_tick"
	TypeAutoConfirmSweep = "escrow:auto_confirm_sweep"
	TypeRefundRecovery   = "escrow:refund_recovery"
)

const defaultLanguage = "en"

// Queue represents the asynq queues used for push delivery and timed escrow jobs.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	pushQueue string
	maxRetry  int
}

// RedisConnOpt builds the asynq connection options from the redis section.
func RedisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisConnOpt(conf)
	if err != nil {
		return nil, err
	}
	return NewQueueWithConnOpt(opt, conf), nil
}

func NewQueueWithConnOpt(opt asynq.RedisConnOpt, conf *config.Configuration) *Queue {
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		pushQueue: conf.Queue.PushQueue,
		maxRetry:  conf.Queue.PushMaxRetry,
	}
}

// EnqueuePush queues one push job. The notification id, suffixed with the
// device token for per-device jobs, doubles as the task id so a notification
// is never pushed twice to the same device.
func (q *Queue) EnqueuePush(ctx context.Context, job model.PushJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	taskID := job.NotificationID
	if job.DeviceToken != "" {
		taskID += ":" + job.DeviceToken
	}
	task := asynq.NewTask(TypePushNotification, payload,
		asynq.TaskID(taskID),
		asynq.Queue(q.pushQueue),
		asynq.MaxRetry(q.maxRetry),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "queue": info.Queue, "user_id": job.UserID}).Debug("push job enqueued")
	return nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// ScheduledJob is a periodic escrow job for the asynq scheduler.
type ScheduledJob struct {
	Cronspec string
	Task     *asynq.Task
}

// EscrowSchedule lists the timed jobs of the escrow engine.
func EscrowSchedule(conf *config.Configuration) []ScheduledJob {
	every := func(seconds int) string { return fmt.Sprintf("@every %ds", seconds) }
	opts := []asynq.Option{asynq.Queue(conf.Queue.EscrowQueue), asynq.MaxRetry(0)}
	return []ScheduledJob{
		{Cronspec: every(conf.Escrow.DisburseTick), Task: asynq.NewTask(TypeDisburseTick, nil, opts...)},
		{Cronspec: every(conf.Escrow.AutoConfirmSweep), Task: asynq.NewTask(TypeAutoConfirmSweep, nil, opts...)},
		{Cronspec: every(conf.Escrow.RefundRecoveryGrace), Task: asynq.NewTask(TypeRefundRecovery, nil, opts...)},
	}
}

// ProcessEscrowTask runs one timed escrow job. With Redis configured the job
// runs on at most one worker at a time.
func (e *Errand) ProcessEscrowTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "Process escrow job")
	defer span.End()

	var run func(ctx context.Context) error
	switch t.Type() {
	case TypeDisburseTick:
		run = func(ctx context.Context) error {
			_, err := e.RunDisbursementTick(ctx)
			return err
		}
	case TypeAutoConfirmSweep:
		run = func(ctx context.Context) error {
			_, err := e.SweepAutoConfirmations(ctx)
			return err
		}
	case TypeRefundRecovery:
		run = func(ctx context.Context) error {
			_, err := e.RecoverStuckRefunds(ctx)
			return err
		}
	default:
		return fmt.Errorf("unknown escrow job %q: %w", t.Type(), asynq.SkipRetry)
	}

	if e.redis == nil {
		return run(ctx)
	}
	ttl := 2 * config.Seconds(e.config.Processor.Timeout) * time.Duration(e.config.Escrow.DisburseBatchSize)
	ran, err := redlock.RunExclusive(ctx, e.redis, "errand:job:"+t.Type(), ttl, run)
	if !ran && err == nil {
		logrus.WithField("job", t.Type()).Debug("job already running on another worker")
	}
	return err
}

// ProcessPushTask delivers a push job. A job addressed to a user is split
// into one job per active device so a retry only reaches the devices that
// failed. Devices the push service definitively rejects are deactivated;
// transient failures fail the task so asynq retries it within its budget.
func (e *Errand) ProcessPushTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "Process push notification")
	defer span.End()

	var job model.PushJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		logrus.Error(err)
		return fmt.Errorf("decode push job: %v: %w", err, asynq.SkipRetry)
	}
	fields := logrus.Fields{"user_id": job.UserID, "type": job.Type, "notification_id": job.NotificationID}

	if e.pusher == nil {
		logrus.WithFields(fields).Debug("push sender not configured, dropping job")
		return nil
	}

	tokens, err := e.datasource.GetActiveDeviceTokens(ctx, job.UserID)
	if err != nil {
		return err
	}

	if job.DeviceToken != "" {
		for _, device := range tokens {
			if device.Token == job.DeviceToken {
				return e.pushToDevice(ctx, job, device, fields)
			}
		}
		logrus.WithFields(fields).Debug("device no longer active, dropping job")
		return nil
	}

	var failed error
	for _, device := range tokens {
		perDevice := job
		perDevice.DeviceToken = device.Token
		if e.queue != nil {
			// Already queued devices are deduplicated by task id.
			failed = errors.Join(failed, e.queue.EnqueuePush(ctx, perDevice))
			continue
		}
		if err := e.pushToDevice(ctx, perDevice, device, fields); err != nil {
			if errors.Is(err, asynq.SkipRetry) {
				return err
			}
			failed = errors.Join(failed, err)
		}
	}
	return failed
}

func (e *Errand) pushToDevice(ctx context.Context, job model.PushJob, device model.DeviceToken, fields logrus.Fields) error {
	language := device.Language
	if job.Locale != "" {
		language = job.Locale
	}
	title, body, err := e.renderPush(ctx, job.Type, language, job.Variables)
	if err != nil {
		logrus.WithFields(fields).WithError(err).Error("cannot render push template")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err = e.pusher.Send(ctx, push.Message{
		DeviceToken: device.Token,
		Title:       title,
		Body:        body,
		Data:        map[string]string{"notification_id": job.NotificationID, "type": job.Type},
	})
	if err == nil || !push.IsDefinitive(err) {
		return err
	}
	logrus.WithFields(fields).WithError(err).Info("device token rejected, deactivating")
	if derr := e.datasource.DeactivateDeviceToken(ctx, device.Token, err.Error(), e.clock.Now()); derr != nil {
		logrus.WithFields(fields).WithError(derr).Error("failed to deactivate device token")
	}
	return nil
}

// renderPush renders the template for (kind, language), falling back to the
// default language.
func (e *Errand) renderPush(ctx context.Context, kind, language string, vars map[string]string) (string, string, error) {
	tpl, err := e.datasource.GetPushTemplate(ctx, kind, language)
	if apierror.Is(err, apierror.ErrNotFound) && language != defaultLanguage {
		tpl, err = e.datasource.GetPushTemplate(ctx, kind, defaultLanguage)
	}
	if err != nil {
		return "", "", err
	}

	title, err := renderText(tpl.Title, vars)
	if err != nil {
		return "", "", err
	}
	body, err := renderText(tpl.Body, vars)
	if err != nil {
		return "", "", err
	}
	return title, body, nil
}

func renderText(text string, vars map[string]string) (string, error) {
	tmpl, err := template.New("push").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
