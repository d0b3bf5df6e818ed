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

	"github.com/google/uuid"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/capability"
	"github.com/errandhq/errand/internal/storage"
	"github.com/errandhq/errand/model"
)

// maxTokenSkew tolerates issuers whose clocks run slightly ahead.
const maxTokenSkew = 5 * time.Minute

func tokenInvalid() error {
	return apierror.NewReasonError(apierror.ErrForbidden, apierror.ReasonTokenInvalid, "attachment token is not valid")
}

func tokenExpired() error {
	return apierror.NewReasonError(apierror.ErrForbidden, apierror.ReasonTokenExpired, "attachment token has expired")
}

func (e *Errand) attachmentScope(ctx context.Context, blobID string) (*model.MessageAttachment, *conversationScope, error) {
	attachment, msg, err := e.datasource.GetAttachmentByBlobID(ctx, blobID)
	if err != nil {
		return nil, nil, err
	}
	conversation, err := model.ParseConversationKey(msg.ConversationKey)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternal, "attachment belongs to an unknown conversation", err)
	}
	scope, err := e.scope(ctx, conversation)
	if err != nil {
		return nil, nil, err
	}
	return attachment, scope, nil
}

// IssueAttachmentToken signs a capability for a private attachment, bound to
// the conversation's current participants.
func (e *Errand) IssueAttachmentToken(ctx context.Context, blobID string, actor model.Actor) (string, error) {
	ctx, span := tracer.Start(ctx, "Issuing attachment token")
	defer span.End()

	_, scope, err := e.attachmentScope(ctx, blobID)
	if err != nil {
		return "", err
	}
	if !scope.isParticipant(actor.ID) {
		return "", forbidden("user %s cannot access attachment %s", actor.ID, blobID)
	}

	token, err := e.signer.Issue(blobID, actor.ID, scope.participants, e.clock.Now())
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrInternal, "cannot issue attachment token", err)
	}
	return token, nil
}

// ValidateAttachmentToken checks a capability presented by userID for blobID.
// Tokens older than the configured validity keep working only while the
// conversation is still active and the user still takes part in it.
func (e *Errand) ValidateAttachmentToken(ctx context.Context, raw, blobID, userID string) (*model.MessageAttachment, error) {
	ctx, span := tracer.Start(ctx, "Validating attachment token")
	defer span.End()

	token, err := capability.Parse(raw)
	if err != nil {
		return nil, tokenInvalid()
	}
	if token.ImageID != blobID || token.UserID != userID {
		return nil, tokenInvalid()
	}
	if !token.HasParticipant(userID) {
		return nil, tokenInvalid()
	}
	if !e.signer.Verify(token) {
		return nil, tokenInvalid()
	}

	now := e.clock.Now()
	age := token.Age(now)
	if age < -maxTokenSkew {
		return nil, tokenInvalid()
	}

	attachment, scope, err := e.attachmentScope(ctx, blobID)
	if err != nil {
		return nil, err
	}
	if age > config.Seconds(e.config.Messaging.AttachmentTokenTTL) {
		if !scope.active || !scope.isParticipant(userID) {
			return nil, tokenExpired()
		}
	}
	return attachment, nil
}

// OpenAttachment validates the capability and reads the blob from storage.
func (e *Errand) OpenAttachment(ctx context.Context, raw, blobID, userID string) (*storage.Object, error) {
	if e.storage == nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "attachment storage is not configured", nil)
	}
	if _, err := e.ValidateAttachmentToken(ctx, raw, blobID, userID); err != nil {
		return nil, err
	}
	obj, err := e.storage.Get(ctx, e.storage.PrivateKey(blobID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("attachment %s not found", blobID), nil)
		}
		return nil, err
	}
	return obj, nil
}

// AttachmentURL validates the capability and returns a short lived signed URL
// for the blob.
func (e *Errand) AttachmentURL(ctx context.Context, raw, blobID, userID string, ttl time.Duration) (string, error) {
	if e.storage == nil {
		return "", apierror.NewAPIError(apierror.ErrInternal, "attachment storage is not configured", nil)
	}
	if _, err := e.ValidateAttachmentToken(ctx, raw, blobID, userID); err != nil {
		return "", err
	}
	return e.storage.SignedURL(e.storage.PrivateKey(blobID), ttl)
}

// UploadAttachment stores a private blob and returns the id to reference from
// a message attachment.
func (e *Errand) UploadAttachment(ctx context.Context, actor model.Actor, data []byte, contentType string) (string, error) {
	if e.storage == nil {
		return "", apierror.NewAPIError(apierror.ErrInternal, "attachment storage is not configured", nil)
	}
	if len(data) == 0 {
		return "", invalidInput(errors.New("attachment is empty"))
	}
	if err := e.checkWritable(ctx); err != nil {
		return "", err
	}

	blobID := "blob_" + uuid.NewString()
	if err := e.storage.Put(ctx, e.storage.PrivateKey(blobID), data, contentType); err != nil {
		return "", err
	}
	return blobID, nil
}
