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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/errandhq/errand"
	model2 "github.com/errandhq/errand/api/model"
)

func (a Api) HoldFunds(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var hold model2.HoldFunds
	if err := c.ShouldBindJSON(&hold); err != nil {
		badRequest(c, err)
		return
	}
	if err := hold.ValidateHoldFunds(); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.HoldFunds(c.Request.Context(), taskID, hold.IntentID, hold.Amount, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) MarkDone(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var done model2.MarkDone
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&done); err != nil {
			badRequest(c, err)
			return
		}
	}

	resp, err := a.errand.MarkDone(c.Request.Context(), taskID, actorOf(c), done.Evidence)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) Confirm(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	resp, err := a.errand.Confirm(c.Request.Context(), taskID, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RequestRefund(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var input errand.RefundInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.RequestRefund(c.Request.Context(), taskID, actorOf(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) ApproveRefund(c *gin.Context) {
	var approve model2.ApproveRefund
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&approve); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := approve.ValidateApproveRefund(); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.ApproveRefund(c.Request.Context(), c.Param("id"), actorOf(c), approve.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RejectRefund(c *gin.Context) {
	var reject model2.RejectRefund
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&reject); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := reject.ValidateRejectRefund(); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.RejectRefund(c.Request.Context(), c.Param("id"), actorOf(c), reject.Comment)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RequeueTransfer(c *gin.Context) {
	resp, err := a.errand.RequeueTransfer(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) FreezeDispute(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	resp, err := a.errand.FreezeDispute(c.Request.Context(), taskID, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) UnfreezeDispute(c *gin.Context) {
	taskID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var unfreeze model2.UnfreezeDispute
	if err := c.ShouldBindJSON(&unfreeze); err != nil {
		badRequest(c, err)
		return
	}
	if err := unfreeze.ValidateUnfreezeDispute(); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := a.errand.UnfreezeDispute(c.Request.Context(), taskID, actorOf(c), unfreeze.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) DeclareMaintenance(c *gin.Context) {
	var maintenance model2.Maintenance
	if err := c.ShouldBindJSON(&maintenance); err != nil {
		badRequest(c, err)
		return
	}
	if err := maintenance.ValidateMaintenance(); err != nil {
		badRequest(c, err)
		return
	}

	d := time.Duration(maintenance.DurationSeconds) * time.Second
	if err := a.errand.DeclareMaintenance(c.Request.Context(), d); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read_only": true, "retry_after": maintenance.DurationSeconds})
}

func (a Api) EndMaintenance(c *gin.Context) {
	if err := a.errand.EndMaintenance(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read_only": false})
}
