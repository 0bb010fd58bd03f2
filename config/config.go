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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PIXELMINT_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PIXELMINT_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PIXELMINT_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PIXELMINT_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PIXELMINT_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PIXELMINT_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PIXELMINT_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PIXELMINT_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PIXELMINT_REDIS_SKIP_TLS_VERIFY"`
}

type TypeSenseConfig struct {
	Dns string `json:"dns" envconfig:"PIXELMINT_TYPESENSE_DNS"`
}

// QueueConfig holds the asynq queue names and sharding settings.
// Generation queues are sharded so one user's jobs are processed serially.
type QueueConfig struct {
	GenerationQueue  string `json:"generation_queue" envconfig:"PIXELMINT_GENERATION_QUEUE"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"PIXELMINT_WEBHOOK_QUEUE"`
	IndexQueue       string `json:"index_queue" envconfig:"PIXELMINT_INDEX_QUEUE"`
	GuardExpiryQueue string `json:"guard_expiry_queue" envconfig:"PIXELMINT_GUARD_EXPIRY_QUEUE"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"PIXELMINT_NUMBER_OF_QUEUES"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"PIXELMINT_MONITORING_PORT"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"PIXELMINT_MAX_RETRY_ATTEMPTS"`
}

// ProviderConfig points at a model-inference provider endpoint.
type ProviderConfig struct {
	Url            string `json:"url" envconfig:"PIXELMINT_PROVIDER_URL"`
	AuthToken      string `json:"auth_token" envconfig:"PIXELMINT_PROVIDER_AUTH_TOKEN"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"PIXELMINT_PROVIDER_TIMEOUT_SECONDS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PIXELMINT_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PIXELMINT_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PIXELMINT_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"PIXELMINT_PROJECT_NAME"`
	BackupDir       string           `json:"backup_dir" envconfig:"PIXELMINT_BACKUP_DIR"`
	AwsAccessKeyId  string           `json:"aws_access_key_id"`
	S3Endpoint      string           `json:"s3_endpoint"`
	AwsSecretKey    string           `json:"aws_secret_access_key"`
	S3BucketName    string           `json:"s3_bucket_name"`
	S3Region        string           `json:"s3_region"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"PIXELMINT_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	TypeSense       TypeSenseConfig  `json:"typesense"`
	TypeSenseKey    string           `json:"type_sense_key"`
	Queue           QueueConfig      `json:"queue"`
	Provider        ProviderConfig   `json:"provider"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("pixelmint", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called pixelmint.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "PixelMint Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.GenerationQueue == "" {
		cnf.Queue.GenerationQueue = "new:generation"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.IndexQueue == "" {
		cnf.Queue.IndexQueue = "new:index"
	}
	if cnf.Queue.GuardExpiryQueue == "" {
		cnf.Queue.GuardExpiryQueue = "new:guard-expiry"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5003"
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 3
	}

	if cnf.Provider.TimeoutSeconds <= 0 {
		cnf.Provider.TimeoutSeconds = 120
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
