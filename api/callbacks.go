/*
Copyright 2024 PixelMint Authors.

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

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/pixelmint/pixelmint/api/model"
	"github.com/pixelmint/pixelmint/internal/apierror"
)

// ProviderCallback receives a job result from an inference provider.
// Deliveries are idempotent on webhook_id: a replay acknowledges with
// applied=false and changes nothing.
func (a Api) ProviderCallback(c *gin.Context) {
	var callback model2.ProviderCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := callback.ValidateProviderCallback(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	applied, job, err := a.pixelmint.ApplyProviderWebhook(c.Request.Context(),
		callback.WebhookID, callback.ProcessID, callback.Status, callback.Response)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applied": applied,
		"job":     job,
	})
}

// BillingCallback receives subscription and payment events from the
// billing provider. The webhook guard dedups deliveries; a handling
// failure releases the guard so the provider's retry can land.
func (a Api) BillingCallback(c *gin.Context) {
	var callback model2.BillingCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := callback.ValidateBillingCallback(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	ctx := c.Request.Context()
	fresh, err := a.pixelmint.GuardWebhookDelivery(ctx, callback.WebhookID, callback.UserID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, gin.H{"applied": false})
		return
	}

	if err := a.applyBillingEvent(c, &callback); err != nil {
		if relErr := a.pixelmint.ReleaseWebhookDelivery(ctx, callback.WebhookID); relErr != nil {
			logrus.Errorf("failed to release billing webhook guard %s: %v", callback.WebhookID, relErr)
		}
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"applied": true})
}

func (a Api) applyBillingEvent(c *gin.Context, callback *model2.BillingCallback) error {
	ctx := c.Request.Context()

	switch callback.Event {
	case model2.BillingEventInvoicePaid:
		if callback.Credits > 0 {
			reason := "invoice " + callback.AmountPaid.StringFixed(2) + " " + callback.Currency
			if _, err := a.pixelmint.AddCredits(ctx, callback.UserID, callback.Credits, reason); err != nil {
				return err
			}
		}
		if callback.PlanID != "" {
			return a.pixelmint.UpdateSubscription(ctx, callback.UserID, callback.ToSubscription())
		}
		return nil
	default:
		return a.pixelmint.UpdateSubscription(ctx, callback.UserID, callback.ToSubscription())
	}
}
