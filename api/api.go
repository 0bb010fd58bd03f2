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
	"github.com/typesense/typesense-go/typesense/api"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	pixelmint "github.com/pixelmint/pixelmint"
	"github.com/pixelmint/pixelmint/api/middleware"
	"github.com/pixelmint/pixelmint/config"
)

type Api struct {
	pixelmint *pixelmint.Pixelmint
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/users", a.CreateUser)
	router.GET("/users/:id", a.GetUser)
	router.GET("/users/:id/balance", a.GetBalance)
	router.POST("/users/:id/credits", a.AddCredits)
	router.GET("/users/:id/transactions", a.GetCreditTransactions)
	router.GET("/users/:id/jobs", a.GetUserJobs)

	router.POST("/jobs", a.CreateJob)
	router.GET("/jobs/:id", a.GetJob)
	router.POST("/jobs/:id/cancel", a.CancelJob)
	router.PUT("/jobs/:id/status", a.UpdateJobStatus)

	router.POST("/callbacks/provider", a.ProviderCallback)
	router.POST("/callbacks/billing", a.BillingCallback)

	router.GET("/backup", a.BackupDB)
	router.GET("/backup-s3", a.BackupDBS3)

	router.POST("/search/:collection", a.Search)
	return a.router
}

func NewAPI(p *pixelmint.Pixelmint) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{pixelmint: p, router: r}
}

func (a Api) Search(c *gin.Context) {
	collection, passed := c.Params.Get("collection")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collection is required. pass id in the route /:collection"})
		return
	}

	var query api.SearchCollectionParams
	err := c.BindJSON(&query)
	if err != nil {
		return
	}

	resp, err := a.pixelmint.Search(collection, &query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
