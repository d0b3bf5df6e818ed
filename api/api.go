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
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/errandhq/errand"
	"github.com/errandhq/errand/api/middleware"
	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

type Api struct {
	errand *errand.Errand
	router *gin.Engine
	conf   *config.Configuration
}

func (a Api) Router() *gin.Engine {
	router := a.router
	auth := middleware.NewAuthMiddleware(a.conf)

	authed := router.Group("/", auth.Authenticate())
	authed.GET("/ws", a.Connect)

	authed.POST("/attachments", a.UploadAttachment)
	authed.GET("/attachments/:blob_id", a.DownloadAttachment)
	authed.POST("/attachments/:blob_id/token", a.IssueAttachmentToken)

	authed.POST("/tasks/:id/hold", a.HoldFunds)
	authed.POST("/tasks/:id/done", a.MarkDone)
	authed.POST("/tasks/:id/confirm", a.Confirm)
	authed.POST("/tasks/:id/refunds", a.RequestRefund)

	authed.POST("/tasks/:id/messages", a.AppendTaskMessage)
	authed.GET("/tasks/:id/messages", a.ListMessages)
	authed.POST("/tasks/:id/messages/read", a.AdvanceCursor)
	authed.GET("/tasks/:id/messages/unread", a.UnreadCount)

	authed.POST("/chats/:id/messages", a.AppendCustomerServiceMessage)
	authed.GET("/chats/:id/messages", a.ListMessages)
	authed.POST("/chats/:id/messages/read", a.AdvanceCursor)
	authed.GET("/chats/:id/messages/unread", a.UnreadCount)
	authed.POST("/chats/:id/close", a.CloseChat)
	authed.DELETE("/messages/:id", a.SoftDeleteMessage)

	staff := authed.Group("/", middleware.RequireRole(model.RoleAgent, model.RoleAdmin, model.RoleSuperAdmin))
	staff.POST("/chats", a.OpenChat)

	admin := authed.Group("/", middleware.RequireRole(model.RoleAdmin, model.RoleSuperAdmin))
	admin.POST("/refunds/:id/approve", a.ApproveRefund)
	admin.POST("/refunds/:id/reject", a.RejectRefund)
	admin.POST("/transfers/:id/requeue", a.RequeueTransfer)
	admin.POST("/tasks/:id/dispute/freeze", a.FreezeDispute)
	admin.POST("/tasks/:id/dispute/unfreeze", a.UnfreezeDispute)
	admin.POST("/maintenance", a.DeclareMaintenance)
	admin.DELETE("/maintenance", a.EndMaintenance)

	return a.router
}

// Handler is the router wrapped with CORS for the configured browser origins.
func (a Api) Handler() http.Handler {
	router := a.Router()
	if len(a.conf.Server.AllowedOrigins) == 0 {
		return router
	}
	return cors.New(cors.Options{
		AllowedOrigins:   a.conf.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.KeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}).Handler(router)
}

func NewAPI(e *errand.Errand) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{errand: e, router: r, conf: conf}
}

// respondError writes err with the status its code maps to. Untyped errors are
// logged and reported as INTERNAL without their text.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("unhandled error")
		apiErr = apierror.APIError{Code: apierror.ErrInternal, Message: "internal error"}
	}
	if apiErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(apiErr.RetryAfter.Seconds()))))
	}
	c.JSON(apierror.MapErrorToHTTPStatus(apiErr), gin.H{"error": apiErr})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
}

func actorOf(c *gin.Context) model.Actor {
	actor, _ := middleware.ActorFrom(c)
	return actor
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, name+" must be a positive integer", nil))
		return 0, false
	}
	return id, true
}
