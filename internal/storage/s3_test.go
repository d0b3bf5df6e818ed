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

package storage

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errandhq/errand/config"
)

func newTestS3(t *testing.T) *S3 {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	s, err := NewS3(&config.Configuration{Storage: config.StorageConfig{
		Endpoint:        "https://r2.example.test",
		Bucket:          "attachments",
		Region:          "auto",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		PrivatePrefix:   "private",
	}}, client)
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestS3(t)
	key := s.PrivateKey("blob_1")
	assert.Equal(t, "private/blob_1", key)

	var stored []byte
	httpmock.RegisterResponder(http.MethodPut, "https://r2.example.test/attachments/private/blob_1", func(req *http.Request) (*http.Response, error) {
		stored, _ = io.ReadAll(req.Body)
		assert.Equal(t, "image/png", req.Header.Get("Content-Type"))
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	})
	httpmock.RegisterResponder(http.MethodGet, "https://r2.example.test/attachments/private/blob_1", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(http.StatusOK, stored)
		resp.Header.Set("Content-Type", "image/png")
		return resp, nil
	})

	require.NoError(t, s.Put(context.Background(), key, []byte("png-bytes"), "image/png"))
	obj, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), obj.Data)
	assert.Equal(t, "image/png", obj.ContentType)
}

func TestGetMissingBlob(t *testing.T) {
	s := newTestS3(t)
	httpmock.RegisterResponder(http.MethodGet, "https://r2.example.test/attachments/private/gone",
		httpmock.NewStringResponder(http.StatusNotFound, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))

	_, err := s.Get(context.Background(), "private/gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestS3(t)
	httpmock.RegisterResponder(http.MethodDelete, "https://r2.example.test/attachments/private/blob_1",
		httpmock.NewStringResponder(http.StatusNoContent, ""))

	assert.NoError(t, s.Delete(context.Background(), "private/blob_1"))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestSignedURL(t *testing.T) {
	s := newTestS3(t)

	raw, err := s.SignedURL("private/blob_1", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "r2.example.test", u.Host)
	assert.Equal(t, "/attachments/private/blob_1", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
