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

package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errandhq/errand/internal/clock"
)

const endpoint = "https://api.push.apple.test"

func newTestAPNs(t *testing.T) (*APNs, *ecdsa.PrivateKey, *clock.Fake) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAPNs(Options{Endpoint: endpoint, Topic: "com.errand.app", KeyID: "KEY123", TeamID: "TEAM42"}, key, client, fake)
	return a, key, fake
}

func TestSendSignsProviderToken(t *testing.T) {
	a, key, _ := newTestAPNs(t)

	var auth, topic string
	var body map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, endpoint+"/3/device/abc123", func(req *http.Request) (*http.Response, error) {
		auth, topic = req.Header.Get("authorization"), req.Header.Get("apns-topic")
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &body)
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	})

	err := a.Send(context.Background(), Message{DeviceToken: "abc123", Title: "Payment received", Body: "£54.00 is on its way", Data: map[string]string{"task_id": "2"}})
	require.NoError(t, err)

	assert.Equal(t, "com.errand.app", topic)
	require.True(t, strings.HasPrefix(auth, "bearer "))
	parsed, err := jwt.Parse(strings.TrimPrefix(auth, "bearer "), func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal(t, "KEY123", parsed.Header["kid"])
	iss, _ := parsed.Claims.GetIssuer()
	assert.Equal(t, "TEAM42", iss)

	assert.Equal(t, "2", body["task_id"])
	alert := body["aps"].(map[string]interface{})["alert"].(map[string]interface{})
	assert.Equal(t, "Payment received", alert["title"])
}

func TestProviderTokenIsReusedThenRefreshed(t *testing.T) {
	a, _, fake := newTestAPNs(t)

	first, err := a.providerToken()
	require.NoError(t, err)
	fake.Advance(10 * time.Minute)
	second, err := a.providerToken()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fake.Advance(time.Hour)
	third, err := a.providerToken()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		reason     string
		definitive bool
	}{
		{"unregistered", http.StatusGone, "Unregistered", true},
		{"bad device token", http.StatusBadRequest, "BadDeviceToken", true},
		{"wrong topic", http.StatusBadRequest, "DeviceTokenNotForTopic", true},
		{"payload too large", http.StatusRequestEntityTooLarge, "PayloadTooLarge", false},
		{"throttled", http.StatusTooManyRequests, "TooManyRequests", false},
		{"apns down", http.StatusServiceUnavailable, "ServiceUnavailable", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := newTestAPNs(t)
			httpmock.RegisterResponder(http.MethodPost, endpoint+"/3/device/tok",
				httpmock.NewStringResponder(tt.status, `{"reason":"`+tt.reason+`"}`))

			err := a.Send(context.Background(), Message{DeviceToken: "tok", Title: "t", Body: "b"})
			require.Error(t, err)
			assert.Equal(t, tt.definitive, IsDefinitive(err))
		})
	}
}
