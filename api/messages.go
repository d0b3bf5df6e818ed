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
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/errandhq/errand"
	model2 "github.com/errandhq/errand/api/model"
	"github.com/errandhq/errand/model"
)

// conversationOf resolves the conversation a /tasks/:id or /chats/:id route addresses.
func conversationOf(c *gin.Context) (model.Conversation, bool) {
	if strings.HasPrefix(c.FullPath(), "/tasks/") {
		taskID, ok := int64Param(c, "id")
		if !ok {
			return model.Conversation{}, false
		}
		return model.TaskConversation(taskID), true
	}
	return model.CustomerServiceConversation(c.Param("id")), true
}

func (a Api) AppendTaskMessage(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var input errand.MessageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.AppendTaskMessage(c.Request.Context(), taskID, actorOf(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) AppendCustomerServiceMessage(c *gin.Context) {
	var input errand.MessageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.AppendCustomerServiceMessage(c.Request.Context(), c.Param("id"), actorOf(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) ListMessages(c *gin.Context) {
	conversation, ok := conversationOf(c)
	if !ok {
		return
	}
	afterID, _ := strconv.ParseInt(c.DefaultQuery("after_id", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	resp, err := a.errand.ListMessages(c.Request.Context(), conversation, actorOf(c), afterID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) AdvanceCursor(c *gin.Context) {
	conversation, ok := conversationOf(c)
	if !ok {
		return
	}
	var cursor model2.AdvanceCursor
	if err := c.ShouldBindJSON(&cursor); err != nil {
		badRequest(c, err)
		return
	}
	if err := cursor.ValidateAdvanceCursor(); err != nil {
		badRequest(c, err)
		return
	}

	moved, err := a.errand.AdvanceCursor(c.Request.Context(), conversation, actorOf(c), cursor.MessageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moved": moved})
}

func (a Api) UnreadCount(c *gin.Context) {
	conversation, ok := conversationOf(c)
	if !ok {
		return
	}
	count, err := a.errand.UnreadCount(c.Request.Context(), conversation, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func (a Api) SoftDeleteMessage(c *gin.Context) {
	messageID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	resp, err := a.errand.SoftDeleteMessage(c.Request.Context(), messageID, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// OpenChat is called by support staff. An agent opening a chat is its agent
// unless another agent is named.
func (a Api) OpenChat(c *gin.Context) {
	var open model2.OpenChat
	if err := c.ShouldBindJSON(&open); err != nil {
		badRequest(c, err)
		return
	}
	if err := open.ValidateOpenChat(); err != nil {
		badRequest(c, err)
		return
	}
	if open.AgentID == "" {
		open.AgentID = actorOf(c).ID
	}

	resp, err := a.errand.OpenCustomerServiceChat(c.Request.Context(), open.UserID, open.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) CloseChat(c *gin.Context) {
	resp, err := a.errand.CloseCustomerServiceChat(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
