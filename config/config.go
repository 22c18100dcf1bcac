/*
Copyright 2025 GrowSync Authors.

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

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_STORE_PATH = "growsync.db"
)

var ConfigStore atomic.Value

type StoreConfig struct {
	Path string `json:"path" envconfig:"GROWSYNC_STORE_PATH"`
}

type RemoteConfig struct {
	BaseURL    string            `json:"base_url" envconfig:"GROWSYNC_REMOTE_BASE_URL"`
	Headers    map[string]string `json:"headers"`
	TimeoutSec int               `json:"timeout_sec" envconfig:"GROWSYNC_REMOTE_TIMEOUT_SEC"`
}

type RetryConfig struct {
	MaxRetries   int     `json:"max_retries" envconfig:"GROWSYNC_RETRY_MAX_RETRIES"`
	BaseDelayMs  int     `json:"base_delay_ms" envconfig:"GROWSYNC_RETRY_BASE_DELAY_MS"`
	MaxDelaySec  int     `json:"max_delay_sec" envconfig:"GROWSYNC_RETRY_MAX_DELAY_SEC"`
	JitterFactor float64 `json:"jitter_factor" envconfig:"GROWSYNC_RETRY_JITTER_FACTOR"`
}

type QueueConfig struct {
	BatchSize       int `json:"batch_size" envconfig:"GROWSYNC_QUEUE_BATCH_SIZE"`
	MaxWorkers      int `json:"max_workers" envconfig:"GROWSYNC_QUEUE_MAX_WORKERS"`
	PollIntervalSec int `json:"poll_interval_sec" envconfig:"GROWSYNC_QUEUE_POLL_INTERVAL_SEC"`
}

type RealtimeConfig struct {
	RedisDns      string `json:"redis_dns" envconfig:"GROWSYNC_REALTIME_REDIS_DNS"`
	Channel       string `json:"channel" envconfig:"GROWSYNC_REALTIME_CHANNEL"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"GROWSYNC_REALTIME_SKIP_TLS_VERIFY"`
}

type ModerationConfig struct {
	ClaimTTLMinutes int `json:"claim_ttl_minutes" envconfig:"GROWSYNC_MODERATION_CLAIM_TTL_MINUTES"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type ServerConfig struct {
	Port string `json:"port" envconfig:"GROWSYNC_SERVER_PORT"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"GROWSYNC_PROJECT_NAME"`
	Store        StoreConfig      `json:"store"`
	Remote       RemoteConfig     `json:"remote"`
	Retry        RetryConfig      `json:"retry"`
	Queue        QueueConfig      `json:"queue"`
	Realtime     RealtimeConfig   `json:"realtime"`
	Moderation   ModerationConfig `json:"moderation"`
	Notification Notification     `json:"notification"`
	Server       ServerConfig     `json:"server"`
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
	err = envconfig.Process("growsync", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called growsync.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "GrowSync"
	}

	if cnf.Remote.BaseURL == "" {
		log.Println("Error: Remote base URL is empty. It's a required field.")
		return errors.New("remote base URL is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Store.Path = strings.TrimSpace(cnf.Store.Path)
	cnf.Remote.BaseURL = strings.TrimSpace(cnf.Remote.BaseURL)
	cnf.Realtime.RedisDns = strings.TrimSpace(cnf.Realtime.RedisDns)

	if cnf.Store.Path == "" {
		cnf.Store.Path = DEFAULT_STORE_PATH
		log.Printf("Warning: Store path not specified in config. Setting default path: %s", DEFAULT_STORE_PATH)
	}

	if cnf.Remote.TimeoutSec <= 0 {
		cnf.Remote.TimeoutSec = 15
	}

	if cnf.Retry.MaxRetries <= 0 {
		cnf.Retry.MaxRetries = 5
	}
	if cnf.Retry.BaseDelayMs <= 0 {
		cnf.Retry.BaseDelayMs = 500
	}
	if cnf.Retry.MaxDelaySec <= 0 {
		cnf.Retry.MaxDelaySec = 300
	}
	if cnf.Retry.JitterFactor <= 0 {
		cnf.Retry.JitterFactor = 0.5
	}

	if cnf.Queue.BatchSize <= 0 {
		cnf.Queue.BatchSize = 50
	}
	if cnf.Queue.MaxWorkers <= 0 {
		cnf.Queue.MaxWorkers = 4
	}
	if cnf.Queue.PollIntervalSec <= 0 {
		cnf.Queue.PollIntervalSec = 30
	}

	if cnf.Realtime.Channel == "" {
		cnf.Realtime.Channel = "growsync:changes"
	}

	if cnf.Moderation.ClaimTTLMinutes <= 0 {
		cnf.Moderation.ClaimTTLMinutes = 240 // 4 hours
	}

	if cnf.Server.Port == "" {
		cnf.Server.Port = "5080"
	}

	return nil
}

// ClaimTTL returns the moderation claim lease duration.
func (cnf *Configuration) ClaimTTL() time.Duration {
	return time.Duration(cnf.Moderation.ClaimTTLMinutes) * time.Minute
}

// RemoteTimeout returns the per-call transport timeout.
func (cnf *Configuration) RemoteTimeout() time.Duration {
	return time.Duration(cnf.Remote.TimeoutSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
