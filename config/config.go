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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	DEFAULT_CURRENCY = "GBP"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"ERRAND_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"ERRAND_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ERRAND_SERVER_SECRET_KEY"`
	JWTSecret string `json:"jwt_secret" envconfig:"ERRAND_SERVER_JWT_SECRET"`
	Domain    string `json:"domain" envconfig:"ERRAND_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"ERRAND_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"ERRAND_SERVER_PORT"`
	ReadOnly  bool   `json:"read_only" envconfig:"ERRAND_SERVER_READ_ONLY"`

	AllowedOrigins []string `json:"allowed_origins" envconfig:"ERRAND_SERVER_ALLOWED_ORIGINS"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ERRAND_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ERRAND_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ERRAND_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	PushQueue      string `json:"push_queue" envconfig:"ERRAND_QUEUE_PUSH"`
	EscrowQueue    string `json:"escrow_queue" envconfig:"ERRAND_QUEUE_ESCROW"`
	MonitoringPort string `json:"monitoring_port" envconfig:"ERRAND_QUEUE_MONITORING_PORT"`
	PushMaxRetry   int    `json:"push_max_retry" envconfig:"ERRAND_QUEUE_PUSH_MAX_RETRY"`
}

// EscrowConfig holds the timings and policy knobs of the escrow engine and the
// disbursement worker. Durations are expressed in seconds.
type EscrowConfig struct {
	SettlementCurrency      string `json:"settlement_currency" envconfig:"ERRAND_ESCROW_CURRENCY"`
	AutoConfirmAfter        int    `json:"auto_confirm_after" envconfig:"ERRAND_ESCROW_AUTO_CONFIRM_AFTER"`
	AutoConfirmSweep        int    `json:"auto_confirm_sweep" envconfig:"ERRAND_ESCROW_AUTO_CONFIRM_SWEEP"`
	DisburseTick            int    `json:"disburse_tick" envconfig:"ERRAND_ESCROW_DISBURSE_TICK"`
	DisburseBatchSize       int    `json:"disburse_batch_size" envconfig:"ERRAND_ESCROW_DISBURSE_BATCH_SIZE"`
	MaxTransferAttempts     int    `json:"max_transfer_attempts" envconfig:"ERRAND_ESCROW_MAX_TRANSFER_ATTEMPTS"`
	TransferBackoffBase     int    `json:"transfer_backoff_base" envconfig:"ERRAND_ESCROW_TRANSFER_BACKOFF_BASE"`
	MaxTransferBackoff      int    `json:"max_transfer_backoff" envconfig:"ERRAND_ESCROW_MAX_TRANSFER_BACKOFF"`
	TakerSetupBackoff       int    `json:"taker_setup_backoff" envconfig:"ERRAND_ESCROW_TAKER_SETUP_BACKOFF"`
	RefundRecoveryGrace     int    `json:"refund_recovery_grace" envconfig:"ERRAND_ESCROW_REFUND_RECOVERY_GRACE"`
	ElevatedRefundThreshold string `json:"elevated_refund_threshold" envconfig:"ERRAND_ESCROW_ELEVATED_REFUND_THRESHOLD"`
	OperatorUserID          string `json:"operator_user_id" envconfig:"ERRAND_ESCROW_OPERATOR_USER_ID"`
}

type ProcessorConfig struct {
	BaseURL   string `json:"base_url" envconfig:"ERRAND_PROCESSOR_BASE_URL"`
	SecretKey string `json:"secret_key" envconfig:"ERRAND_PROCESSOR_SECRET_KEY"`
	Timeout   int    `json:"timeout" envconfig:"ERRAND_PROCESSOR_TIMEOUT"`
}

type MessagingConfig struct {
	AttachmentSecret           string `json:"attachment_secret" envconfig:"ERRAND_MESSAGING_ATTACHMENT_SECRET"`
	AttachmentTokenTTL         int    `json:"attachment_token_ttl" envconfig:"ERRAND_MESSAGING_ATTACHMENT_TOKEN_TTL"`
	PageSizeLimit              int    `json:"page_size_limit" envconfig:"ERRAND_MESSAGING_PAGE_SIZE_LIMIT"`
	AllowCancelledTaskMessages bool   `json:"allow_cancelled_task_messages" envconfig:"ERRAND_MESSAGING_ALLOW_CANCELLED"`
	RedactedContent            string `json:"redacted_content" envconfig:"ERRAND_MESSAGING_REDACTED_CONTENT"`
}

type RealtimeConfig struct {
	HeartbeatInterval int `json:"heartbeat_interval" envconfig:"ERRAND_REALTIME_HEARTBEAT_INTERVAL"`
	MaxMissingPongs   int `json:"max_missing_pongs" envconfig:"ERRAND_REALTIME_MAX_MISSING_PONGS"`
	MaxIdle           int `json:"max_idle" envconfig:"ERRAND_REALTIME_MAX_IDLE"`
	WriteTimeout      int `json:"write_timeout" envconfig:"ERRAND_REALTIME_WRITE_TIMEOUT"`
}

type PushConfig struct {
	Endpoint string `json:"endpoint" envconfig:"ERRAND_PUSH_ENDPOINT"`
	KeyFile  string `json:"key_file" envconfig:"ERRAND_PUSH_KEY_FILE"`
	KeyID    string `json:"key_id" envconfig:"ERRAND_PUSH_KEY_ID"`
	TeamID   string `json:"team_id" envconfig:"ERRAND_PUSH_TEAM_ID"`
	Topic    string `json:"topic" envconfig:"ERRAND_PUSH_TOPIC"`
}

type StorageConfig struct {
	Endpoint        string `json:"endpoint" envconfig:"ERRAND_STORAGE_ENDPOINT"`
	Bucket          string `json:"bucket" envconfig:"ERRAND_STORAGE_BUCKET"`
	Region          string `json:"region" envconfig:"ERRAND_STORAGE_REGION"`
	AccessKeyID     string `json:"access_key_id" envconfig:"ERRAND_STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"ERRAND_STORAGE_SECRET_ACCESS_KEY"`
	PrivatePrefix   string `json:"private_prefix" envconfig:"ERRAND_STORAGE_PRIVATE_PREFIX"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ERRAND_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ERRAND_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ERRAND_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"ERRAND_NOTIFICATION_SLACK_WEBHOOK"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"ERRAND_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"ERRAND_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Escrow          EscrowConfig     `json:"escrow"`
	Processor       ProcessorConfig  `json:"processor"`
	Messaging       MessagingConfig  `json:"messaging"`
	Realtime        RealtimeConfig   `json:"realtime"`
	Push            PushConfig       `json:"push"`
	Storage         StorageConfig    `json:"storage"`
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
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("errand", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called errand.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Errand Server"
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

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Escrow.ElevatedRefundThreshold != "" {
		if _, err := decimal.NewFromString(cnf.Escrow.ElevatedRefundThreshold); err != nil {
			return errors.New("escrow elevated refund threshold must be a decimal amount")
		}
	}

	if cnf.Messaging.AttachmentSecret == "" {
		log.Println("Warning: attachment secret is empty. Private attachment tokens will be rejected.")
	}

	// Rate limiting stays disabled unless one of rps or burst is set.
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

	cnf.applyDefaults()
	return nil
}

// applyDefaults fills every zero-valued knob with its production default.
func (cnf *Configuration) applyDefaults() {
	defaultString := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}
	defaultInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
		}
	}

	defaultString(&cnf.Queue.PushQueue, "push_notifications")
	defaultString(&cnf.Queue.EscrowQueue, "escrow_jobs")
	defaultString(&cnf.Queue.MonitoringPort, "5004")
	defaultInt(&cnf.Queue.PushMaxRetry, 5)

	defaultString(&cnf.Escrow.SettlementCurrency, DEFAULT_CURRENCY)
	defaultInt(&cnf.Escrow.AutoConfirmAfter, int((5 * 24 * time.Hour).Seconds()))
	defaultInt(&cnf.Escrow.AutoConfirmSweep, 300)
	defaultInt(&cnf.Escrow.DisburseTick, 60)
	defaultInt(&cnf.Escrow.DisburseBatchSize, 100)
	defaultInt(&cnf.Escrow.MaxTransferAttempts, 6)
	defaultInt(&cnf.Escrow.TransferBackoffBase, 60)
	defaultInt(&cnf.Escrow.MaxTransferBackoff, int((6 * time.Hour).Seconds()))
	defaultInt(&cnf.Escrow.TakerSetupBackoff, int(time.Hour.Seconds()))
	defaultInt(&cnf.Escrow.RefundRecoveryGrace, 600)
	defaultString(&cnf.Escrow.ElevatedRefundThreshold, "100.00")

	defaultInt(&cnf.Processor.Timeout, 10)

	defaultInt(&cnf.Messaging.AttachmentTokenTTL, int((24 * time.Hour).Seconds()))
	defaultInt(&cnf.Messaging.PageSizeLimit, 100)
	defaultString(&cnf.Messaging.RedactedContent, "[message deleted]")

	defaultInt(&cnf.Realtime.HeartbeatInterval, 20)
	defaultInt(&cnf.Realtime.MaxMissingPongs, 3)
	defaultInt(&cnf.Realtime.MaxIdle, 300)
	defaultInt(&cnf.Realtime.WriteTimeout, 5)

	if cnf.RateLimit.CleanupIntervalSec == nil {
		cleanup := int((3 * time.Hour).Seconds())
		cnf.RateLimit.CleanupIntervalSec = &cleanup
	}

	defaultString(&cnf.Push.Endpoint, "https://api.push.apple.com")
	defaultString(&cnf.Storage.PrivatePrefix, "private")
	defaultString(&cnf.Storage.Region, "auto")
}

// Seconds converts a seconds-valued configuration knob into a time.Duration.
func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

// MockConfig sets a mock configuration for testing purposes. Zero-valued knobs
// receive their defaults so tests only need to set what they exercise.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
