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

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
)

const (
	CollectionJobs               = "jobs"
	CollectionCreditTransactions = "credit_transactions"
	CollectionUsers              = "users"
)

// CollectionConfig holds configuration for a specific collection.
type CollectionConfig struct {
	Schema     *api.CollectionSchema
	IDField    string
	TimeFields []string
}

var collectionConfigs map[string]CollectionConfig

func init() {
	collectionConfigs = map[string]CollectionConfig{
		CollectionJobs: {
			Schema:     getJobSchema(),
			IDField:    "process_id",
			TimeFields: []string{"created_at", "updated_at"},
		},
		CollectionCreditTransactions: {
			Schema:     getCreditTransactionSchema(),
			IDField:    "transaction_id",
			TimeFields: []string{"created_at"},
		},
		CollectionUsers: {
			Schema:     getUserSchema(),
			IDField:    "user_id",
			TimeFields: []string{"created_at"},
		},
	}
}

// TypesenseClient wraps the Typesense client and provides methods to interact with it.
type TypesenseClient struct {
	Client *typesense.Client
}

// NotificationPayload represents an index request, naming the collection
// and the document to upsert.
type NotificationPayload struct {
	Collection string                 `json:"collection"`
	Data       map[string]interface{} `json:"data"`
}

// NewTypesenseClient initializes and returns a new Typesense client instance.
func NewTypesenseClient(apiKey string, hosts []string) *TypesenseClient {
	client := typesense.NewClient(
		typesense.WithServer(hosts[0]),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
		typesense.WithCircuitBreakerMaxRequests(50),
		typesense.WithCircuitBreakerInterval(2*time.Minute),
		typesense.WithCircuitBreakerTimeout(1*time.Minute),
	)
	return &TypesenseClient{Client: client}
}

// EnsureCollectionsExist creates any missing collections from the latest
// schemas. Existing collections are left untouched.
func (t *TypesenseClient) EnsureCollectionsExist(ctx context.Context) error {
	for name, config := range collectionConfigs {
		if _, err := t.CreateCollection(ctx, config.Schema); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	return nil
}

// CreateCollection creates a collection in Typesense based on the provided schema.
// If the collection already exists, it will return without error.
func (t *TypesenseClient) CreateCollection(ctx context.Context, schema *api.CollectionSchema) (*api.CollectionResponse, error) {
	resp, err := t.Client.Collections().Create(ctx, schema)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, nil
		}
		return nil, err
	}
	return resp, nil
}

// Search performs a search query on a specific collection with the provided search parameters.
func (t *TypesenseClient) Search(ctx context.Context, collection string, searchParams *api.SearchCollectionParams) (*api.SearchResult, error) {
	return t.Client.Collection(collection).Documents().Search(ctx, searchParams)
}

// HandleNotification normalizes an index request and upserts the document
// into its Typesense collection.
func (t *TypesenseClient) HandleNotification(ctx context.Context, collection string, data map[string]interface{}) error {
	config, ok := collectionConfigs[collection]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collection)
	}

	if err := t.flattenObjects(data); err != nil {
		return err
	}
	t.ensureSchemaFields(config, data)
	t.normalizeTimeFields(config, data)

	return t.upsertDocument(ctx, collection, data)
}

// flattenObjects serializes nested payloads into JSON strings so schemas
// stay flat. Documents carry request and response blobs verbatim.
func (t *TypesenseClient) flattenObjects(data map[string]interface{}) error {
	for _, field := range []string{"request", "response", "meta_data", "status_history"} {
		if val, ok := data[field]; ok {
			if val == nil {
				delete(data, field)
				continue
			}
			if _, isString := val.(string); isString {
				continue
			}
			jsonString, err := json.Marshal(val)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", field, err)
			}
			data[field] = string(jsonString)
		}
	}
	return nil
}

// ensureSchemaFields ensures all required schema fields are present with default values.
func (t *TypesenseClient) ensureSchemaFields(config CollectionConfig, data map[string]interface{}) {
	latestSchema := config.Schema

	optionalFieldMap := make(map[string]bool)
	for _, field := range latestSchema.Fields {
		if field.Optional != nil && *field.Optional {
			optionalFieldMap[field.Name] = true
		}
	}

	for _, field := range latestSchema.Fields {
		if _, ok := data[field.Name]; !ok {
			isOptional := field.Optional != nil && *field.Optional
			if !isOptional {
				data[field.Name] = getDefaultValue(field.Type)
			}
		}
	}

	for key, value := range data {
		if optionalFieldMap[key] {
			if strVal, ok := value.(string); ok && strVal == "" {
				delete(data, key)
			}
		}
	}
}

// normalizeTimeFields converts time fields to Unix timestamps.
func (t *TypesenseClient) normalizeTimeFields(config CollectionConfig, data map[string]interface{}) {
	for _, field := range config.TimeFields {
		if fieldValue, ok := data[field]; ok {
			switch v := fieldValue.(type) {
			case time.Time:
				data[field] = v.Unix()
			case int64:
				// Already Unix time.
			case string:
				if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
					data[field] = parsed.Unix()
				} else {
					data[field] = time.Now().Unix()
				}
			default:
				data[field] = time.Now().Unix()
			}
		}
	}
}

func (t *TypesenseClient) getIDField(collection string) string {
	if config, ok := collectionConfigs[collection]; ok {
		return config.IDField
	}
	return ""
}

// upsertDocument handles the final upsert operation to Typesense.
func (t *TypesenseClient) upsertDocument(ctx context.Context, collection string, data map[string]interface{}) error {
	idField := t.getIDField(collection)

	if idField != "" {
		if id, ok := data[idField].(string); ok && id != "" {
			data["id"] = id
		}
	}

	_, err := t.Client.Collection(collection).Documents().Upsert(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to upsert document in Typesense: %w", err)
	}
	return nil
}

// getDefaultValue returns the default value for a given field type in Typesense.
func getDefaultValue(fieldType string) interface{} {
	switch fieldType {
	case "string":
		return ""
	case "int64", "int32":
		return 0
	case "float":
		return 0.0
	case "bool":
		return false
	case "string[]":
		return []string{}
	default:
		return nil
	}
}

// getJobSchema returns the schema for the "jobs" collection.
func getJobSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	optional := true
	return &api.CollectionSchema{
		Name: CollectionJobs,
		Fields: []api.Field{
			{Name: "process_id", Type: "string", Facet: &facet},
			{Name: "user_id", Type: "string", Facet: &facet},
			{Name: "status", Type: "string", Facet: &facet},
			{Name: "tool_name", Type: "string", Facet: &facet},
			{Name: "category", Type: "string", Facet: &facet},
			{Name: "credits_charged", Type: "int64", Facet: &facet},
			{Name: "credits_refunded", Type: "bool", Facet: &facet},
			{Name: "request", Type: "string", Optional: &optional},
			{Name: "response", Type: "string", Optional: &optional},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "updated_at", Type: "int64", Facet: &facet},
		},
		DefaultSortingField: &sortBy,
	}
}

// getCreditTransactionSchema returns the schema for the "credit_transactions" collection.
func getCreditTransactionSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	optional := true
	return &api.CollectionSchema{
		Name: CollectionCreditTransactions,
		Fields: []api.Field{
			{Name: "transaction_id", Type: "string", Facet: &facet},
			{Name: "user_id", Type: "string", Facet: &facet},
			{Name: "type", Type: "string", Facet: &facet},
			{Name: "amount", Type: "int64", Facet: &facet},
			{Name: "related_job_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "reason", Type: "string", Optional: &optional},
			{Name: "balance_after", Type: "int64", Facet: &facet},
			{Name: "created_at", Type: "int64", Facet: &facet},
		},
		DefaultSortingField: &sortBy,
	}
}

// getUserSchema returns the schema for the "users" collection.
func getUserSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	optional := true
	return &api.CollectionSchema{
		Name: CollectionUsers,
		Fields: []api.Field{
			{Name: "user_id", Type: "string", Facet: &facet},
			{Name: "available_balance", Type: "int64", Facet: &facet},
			{Name: "subscription_status", Type: "string", Facet: &facet},
			{Name: "plan_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "disabled", Type: "bool", Facet: &facet},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "meta_data", Type: "string", Optional: &optional},
		},
		DefaultSortingField: &sortBy,
	}
}
