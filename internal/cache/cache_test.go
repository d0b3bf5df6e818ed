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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type template struct {
	Title string
	Body  string
}

func newTestCache(t *testing.T) *RedisCache {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheWithClient(client)
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	err := c.Set(ctx, "push_template:refund_approved:en", &template{Title: "Refund", Body: "Done"}, 10*time.Minute)
	require.NoError(t, err)

	var got template
	err = c.Get(ctx, "push_template:refund_approved:en", &got)
	assert.NoError(t, err)
	assert.Equal(t, "Refund", got.Title)
}

func TestGetNonExistentKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var got template
	err := c.Get(ctx, "nonExistentKey", &got)
	assert.NoError(t, err)
	assert.Empty(t, got.Title)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "testKey", &template{Title: "x"}, time.Minute))
	assert.NoError(t, c.Delete(ctx, "testKey"))

	var got template
	assert.NoError(t, c.Get(ctx, "testKey", &got))
	assert.Empty(t, got.Title)

	assert.NoError(t, c.Delete(ctx, "nonExistentKey"))
}
