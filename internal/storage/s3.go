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

// Package storage is the blob store behind private message attachments. It
// speaks the S3 API, which Cloudflare R2 implements.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/errandhq/errand/config"
)

var ErrNotFound = errors.New("blob not found")

// Blob is what the messaging engine needs from object storage.
type Blob interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	SignedURL(key string, ttl time.Duration) (string, error)
	PrivateKey(blobID string) string
}

type Object struct {
	Data        []byte
	ContentType string
}

type S3 struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3 builds a path-style S3 client for the configured endpoint. httpClient may be nil.
func NewS3(cnf *config.Configuration, httpClient *http.Client) (*S3, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cnf.Storage.Region).
		WithCredentials(credentials.NewStaticCredentials(cnf.Storage.AccessKeyID, cnf.Storage.SecretAccessKey, "")).
		WithS3ForcePathStyle(true)
	if cnf.Storage.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cnf.Storage.Endpoint)
	}
	if httpClient != nil {
		awsCfg = awsCfg.WithHTTPClient(httpClient)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create storage session: %w", err)
	}
	return &S3{client: s3.New(sess), bucket: cnf.Storage.Bucket, prefix: cnf.Storage.PrivatePrefix}, nil
}

// PrivateKey maps an attachment blob id to its object key.
func (s *S3) PrivateKey(blobID string) string {
	return path.Join(s.prefix, blobID)
}

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &Object{Data: data, ContentType: aws.StringValue(out.ContentType)}, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SignedURL presigns a GET for key, valid for ttl.
func (s *S3) SignedURL(key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return req.Presign(ttl)
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
