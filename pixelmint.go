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

package pixelmint

import (
	"context"
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/typesense/typesense-go/typesense/api"
	"go.opentelemetry.io/otel"

	"github.com/pixelmint/pixelmint/config"
	"github.com/pixelmint/pixelmint/database"
	redis_db "github.com/pixelmint/pixelmint/internal/redis-db"
	"github.com/pixelmint/pixelmint/internal/search"
)

var tracer = otel.Tracer("pixelmint")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Pixelmint is the service root. It owns the datasource, the task
// queue, the realtime publisher connection and the search client.
type Pixelmint struct {
	queue      *Queue
	search     *search.TypesenseClient
	redis      redis.UniversalClient
	datasource database.IDataSource
}

// NewPixelmint initializes the service with the provided datasource,
// wiring Redis, the queue and the search client from configuration.
func NewPixelmint(db database.IDataSource) (*Pixelmint, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	newSearch := search.NewTypesenseClient(configuration.TypeSenseKey, []string{configuration.TypeSense.Dns})
	return &Pixelmint{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		search:     newSearch,
	}, nil
}

// Search queries the given collection with the provided parameters.
func (p *Pixelmint) Search(collection string, query *api.SearchCollectionParams) (interface{}, error) {
	return p.search.Search(context.Background(), collection, query)
}
