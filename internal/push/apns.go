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

// Package push delivers alert notifications to Apple devices through the APNs
// HTTP/2 provider API, authenticating with an ES256 provider token.
package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/internal/clock"
)

// APNs rejects provider tokens older than an hour.
const tokenLifetime = 50 * time.Minute

// Message is one alert for one device.
type Message struct {
	DeviceToken string
	Title       string
	Body        string
	Data        map[string]string
}

// Error is an APNs rejection.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("apns rejected push: %d %s", e.Status, e.Reason)
}

// Definitive reports whether the device token will never be accepted again.
func (e *Error) Definitive() bool {
	if e.Status == http.StatusGone {
		return true
	}
	return e.Status == http.StatusBadRequest && (e.Reason == "BadDeviceToken" || e.Reason == "DeviceTokenNotForTopic")
}

// IsDefinitive reports whether err is an APNs rejection that should deactivate the token.
func IsDefinitive(err error) bool {
	var apnsErr *Error
	return errors.As(err, &apnsErr) && apnsErr.Definitive()
}

// Sender abstracts delivery so the queue worker can be tested without APNs.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Options struct {
	Endpoint string
	Topic    string
	KeyID    string
	TeamID   string
}

type APNs struct {
	opts   Options
	key    *ecdsa.PrivateKey
	client *http.Client
	clock  clock.Clock

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

func NewAPNs(opts Options, key *ecdsa.PrivateKey, httpClient *http.Client, clk clock.Clock) *APNs {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &APNs{opts: opts, key: key, client: httpClient, clock: clk}
}

// NewAPNsFromConfig reads the .p8 signing key named in the push configuration.
func NewAPNsFromConfig(cnf *config.Configuration) (*APNs, error) {
	raw, err := os.ReadFile(cnf.Push.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read apns key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse apns key: %w", err)
	}
	return NewAPNs(Options{
		Endpoint: cnf.Push.Endpoint,
		Topic:    cnf.Push.Topic,
		KeyID:    cnf.Push.KeyID,
		TeamID:   cnf.Push.TeamID,
	}, key, nil, clock.New()), nil
}

func (a *APNs) providerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.token != "" && now.Sub(a.issuedAt) < tokenLifetime {
		return a.token, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.opts.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = a.opts.KeyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign apns provider token: %w", err)
	}
	a.token, a.issuedAt = signed, now
	return signed, nil
}

func (a *APNs) Send(ctx context.Context, msg Message) error {
	bearer, err := a.providerToken()
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{"title": msg.Title, "body": msg.Body},
			"sound": "default",
		},
	}
	for k, v := range msg.Data {
		if k != "aps" {
			payload[k] = v
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.Endpoint+"/3/device/"+msg.DeviceToken, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", a.opts.Topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var reply struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)
	return &Error{Status: resp.StatusCode, Reason: reply.Reason}
}
