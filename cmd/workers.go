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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/errandhq/errand"
	"github.com/errandhq/errand/config"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.PushQueue:   3,
		cfg.Queue.EscrowQueue: 2,
	}
}

func initializeWorkerServer(opt asynq.RedisConnOpt, queues map[string]int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithFields(logrus.Fields{
				"type":      task.Type(),
				"retried":   retried,
				"max_retry": maxRetry,
			}).WithError(err).Error("job failed")
		}),
	})
}

func initializeTaskHandlers(e *errandInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(errand.TypePushNotification, e.errand.ProcessPushTask)
	mux.HandleFunc(errand.TypeDisburseTick, e.errand.ProcessEscrowTask)
	mux.HandleFunc(errand.TypeAutoConfirmSweep, e.errand.ProcessEscrowTask)
	mux.HandleFunc(errand.TypeRefundRecovery, e.errand.ProcessEscrowTask)
}

// initializeScheduler registers the timed escrow jobs.
func initializeScheduler(opt asynq.RedisConnOpt, cfg *config.Configuration) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	for _, job := range errand.EscrowSchedule(cfg) {
		entryID, err := scheduler.Register(job.Cronspec, job.Task)
		if err != nil {
			return nil, fmt.Errorf("error registering %s: %v", job.Task.Type(), err)
		}
		logrus.WithFields(logrus.Fields{"entry_id": entryID, "type": job.Task.Type(), "cron": job.Cronspec}).Info("scheduled escrow job")
	}
	return scheduler, nil
}

// workerCommands starts the push and escrow workers, the scheduler and the
// monitoring UI.
func workerCommands(e *errandInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start errand workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := e.cnf

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			redisOpt, err := errand.RedisConnOpt(conf)
			if err != nil {
				log.Fatal(err)
			}

			// Refunds interrupted by the previous shutdown are re-driven before
			// the first tick.
			if n, err := e.errand.RecoverStuckRefunds(ctx); err != nil {
				logrus.WithError(err).Error("refund recovery on start failed")
			} else if n > 0 {
				logrus.WithField("count", n).Info("recovered stuck refunds")
			}

			scheduler, err := initializeScheduler(redisOpt, conf)
			if err != nil {
				log.Fatal(err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			srv := initializeWorkerServer(redisOpt, initializeQueues(conf))
			mux := asynq.NewServeMux()
			initializeTaskHandlers(e, mux)

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: redisOpt,
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
