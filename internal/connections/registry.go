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

// Package connections keeps at most one live WebSocket per user and drives
// heartbeats and idle reaping for them.
package connections

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/internal/clock"
)

var ErrNotConnected = errors.New("user has no live connection")

// Conn is the part of *websocket.Conn the registry uses.
type Conn interface {
	Ping(ctx context.Context) error
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type Options struct {
	HeartbeatInterval time.Duration
	MaxMissingPongs   int
	MaxIdle           time.Duration
	WriteTimeout      time.Duration
}

func OptionsFromConfig(cnf *config.Configuration) Options {
	return Options{
		HeartbeatInterval: config.Seconds(cnf.Realtime.HeartbeatInterval),
		MaxMissingPongs:   cnf.Realtime.MaxMissingPongs,
		MaxIdle:           config.Seconds(cnf.Realtime.MaxIdle),
		WriteTimeout:      config.Seconds(cnf.Realtime.WriteTimeout),
	}
}

type Connection struct {
	UserID    string
	CreatedAt time.Time

	conn Conn
	// mu serialises writes on the socket and guards the fields below.
	mu           sync.Mutex
	lastActivity time.Time
	missingPongs int
	alive        bool
}

func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) MissingPongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missingPongs
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	opts  Options
	clock clock.Clock
}

func NewRegistry(opts Options, clk clock.Clock) *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		opts:  opts,
		clock: clk,
	}
}

// Register makes conn the user's connection, closing any older one.
func (r *Registry) Register(userID string, conn Conn) *Connection {
	now := r.clock.Now()
	c := &Connection{UserID: userID, CreatedAt: now, conn: conn, lastActivity: now, alive: true}

	r.mu.Lock()
	previous := r.conns[userID]
	r.conns[userID] = c
	r.mu.Unlock()

	if previous != nil {
		previous.mu.Lock()
		previous.alive = false
		previous.mu.Unlock()
		_ = previous.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
		logrus.WithField("user_id", userID).Info("websocket replaced")
	}
	return c
}

// Unregister drops c if it is still the user's current connection.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	if current, ok := r.conns[c.UserID]; ok && current == c {
		delete(r.conns, c.UserID)
	}
	r.mu.Unlock()

	c.mu.Lock()
	wasAlive := c.alive
	c.alive = false
	c.mu.Unlock()
	if wasAlive {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Touch records inbound activity on the user's connection.
func (r *Registry) Touch(userID string) {
	if c := r.get(userID); c != nil {
		c.mu.Lock()
		c.lastActivity = r.clock.Now()
		c.mu.Unlock()
	}
}

func (r *Registry) IsOnline(userID string) bool {
	c := r.get(userID)
	return c != nil && c.IsAlive()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) get(userID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Send writes v as a JSON text frame to the user's connection.
func (r *Registry) Send(ctx context.Context, userID string, v interface{}) error {
	c := r.get(userID)
	if c == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.write(ctx, c, payload)
}

func (r *Registry) write(ctx context.Context, c *Connection, payload []byte) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	err := c.conn.Write(writeCtx, websocket.MessageText, payload)
	cancel()
	c.mu.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("user_id", c.UserID).Warn("websocket write failed")
		r.Unregister(c)
	}
	return err
}

// Broadcast sends v to every live connection except the excluded users and
// returns how many writes succeeded. A failed write only drops that connection.
func (r *Registry) Broadcast(ctx context.Context, v interface{}, exclude ...string) (int, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	delivered := 0
	for _, c := range r.snapshot() {
		if skip[c.UserID] {
			continue
		}
		if err := r.write(ctx, c, payload); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// Heartbeat pings every connection once. A connection missing MaxMissingPongs
// consecutive pongs is dropped.
func (r *Registry) Heartbeat(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range r.snapshot() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()

			c.mu.Lock()
			if err != nil {
				c.missingPongs++
			} else {
				c.missingPongs = 0
			}
			dead := c.missingPongs >= r.opts.MaxMissingPongs
			c.mu.Unlock()

			if dead {
				logrus.WithField("user_id", c.UserID).Info("websocket missed too many pongs")
				r.Unregister(c)
			}
		}(c)
	}
	wg.Wait()
}

// Reap drops connections idle for longer than MaxIdle and returns how many went.
func (r *Registry) Reap() int {
	now := r.clock.Now()
	reaped := 0
	for _, c := range r.snapshot() {
		c.mu.Lock()
		idle := now.Sub(c.lastActivity) > r.opts.MaxIdle
		alive := c.alive
		c.mu.Unlock()

		if idle || !alive {
			r.Unregister(c)
			reaped++
		}
	}
	return reaped
}

// Run drives heartbeats and reaping until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	reaper := time.NewTicker(r.opts.HeartbeatInterval)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.Heartbeat(ctx)
		case <-reaper.C:
			if n := r.Reap(); n > 0 {
				logrus.WithField("count", n).Info("reaped idle websockets")
			}
		}
	}
}
