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

package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	maxUploadBytes  = 10 << 20
	signedURLExpiry = 5 * time.Minute
)

func (a Api) UploadAttachment(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment is larger than 10MB"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	blobID, err := a.errand.UploadAttachment(c.Request.Context(), actorOf(c), data, contentType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"blob_id": blobID})
}

func (a Api) IssueAttachmentToken(c *gin.Context) {
	token, err := a.errand.IssueAttachmentToken(c.Request.Context(), c.Param("blob_id"), actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// DownloadAttachment streams a private attachment, or redirects to a short
// lived signed URL when redirect=true.
func (a Api) DownloadAttachment(c *gin.Context) {
	blobID := c.Param("blob_id")
	token := c.Query("token")
	actor := actorOf(c)

	if c.Query("redirect") == "true" {
		url, err := a.errand.AttachmentURL(c.Request.Context(), token, blobID, actor.ID, signedURLExpiry)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Redirect(http.StatusFound, url)
		return
	}

	obj, err := a.errand.OpenAttachment(c.Request.Context(), token, blobID, actor.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, obj.ContentType, obj.Data)
}

// Connect upgrades to a WebSocket and keeps the connection registered until
// the client goes away. Inbound frames only count as activity.
func (a Api) Connect(c *gin.Context) {
	registry := a.errand.Registry()
	if registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime is not enabled"})
		return
	}
	actor := actorOf(c)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: a.originPatterns(),
	})
	if err != nil {
		return
	}

	connection := registry.Register(actor.ID, conn)
	defer registry.Unregister(connection)

	ctx := c.Request.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			logrus.WithField("user_id", actor.ID).WithError(err).Debug("websocket closed")
			return
		}
		registry.Touch(actor.ID)
	}
}

func (a Api) originPatterns() []string {
	if a.conf.Server.Domain == "" {
		return nil
	}
	return []string{a.conf.Server.Domain, "*." + a.conf.Server.Domain}
}
