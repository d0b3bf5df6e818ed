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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/errandhq/errand/internal/apierror"
)

const (
	maintenanceKey = "errand:maintenance"

	// readOnlyRetryAfter is advertised while the static read-only switch is on.
	readOnlyRetryAfter = 5 * time.Minute
)

// DeclareMaintenance puts every instance sharing the Redis into a read-only
// window for d.
func (e *Errand) DeclareMaintenance(ctx context.Context, d time.Duration) error {
	if e.redis == nil {
		return errors.New("maintenance windows need redis")
	}
	if d <= 0 {
		return fmt.Errorf("maintenance window must be positive, got %s", d)
	}
	until := e.clock.Now().Add(d)
	if err := e.redis.Set(ctx, maintenanceKey, until.Format(time.RFC3339), d).Err(); err != nil {
		return err
	}
	logrus.WithField("until", until).Warn("maintenance window declared")
	return nil
}

func (e *Errand) EndMaintenance(ctx context.Context) error {
	if e.redis == nil {
		return nil
	}
	return e.redis.Del(ctx, maintenanceKey).Err()
}

// checkWritable fails with MAINTENANCE during a read-only window. A Redis
// outage does not block writes.
func (e *Errand) checkWritable(ctx context.Context) error {
	if e.config.Server.ReadOnly {
		return apierror.NewMaintenanceError(readOnlyRetryAfter)
	}
	if e.redis == nil {
		return nil
	}

	ttl, err := e.redis.PTTL(ctx, maintenanceKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logrus.WithError(err).Warn("cannot read maintenance flag")
		return nil
	}
	if ttl > 0 {
		return apierror.NewMaintenanceError(ttl.Round(time.Second))
	}
	return nil
}
