package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/iago/directory-api/internal/queue"
)

const (
	maxQueueWaitTime          = 20
	maxQueueMessages          = 10
	maxQueueVisibilityTimeout = 43200
)

// EnvSpec centralizes runtime settings for the enrolment worker and its ops server.
// Values are read once at process start.
type EnvSpec struct {
	LogLevel string `envconfig:"log_level" default:"info"`

	DatabaseURL       string        `envconfig:"database_url"`
	DBMaxConns        int32         `envconfig:"db_max_conns" default:"10"`
	DBMinConns        int32         `envconfig:"db_min_conns" default:"1"`
	DBMaxConnLifetime time.Duration `envconfig:"db_max_conn_lifetime" default:"1h"`
	DBMaxConnIdleTime time.Duration `envconfig:"db_max_conn_idle_time" default:"30m"`

	RedisAddr     string `envconfig:"redis_addr"`
	RedisPassword string `envconfig:"redis_password"`
	RedisDB       int    `envconfig:"redis_db" default:"0"`
	RedisGroup    string `envconfig:"redis_group" default:"enrolment_workers"`
	RedisConsumer string `envconfig:"redis_consumer"`

	EnrolmentQueueName        string `envconfig:"enrolment_queue_name" required:"true"`
	InvalidEnrolmentQueueName string `envconfig:"invalid_enrolment_queue_name" required:"true"`
	QueueWaitTime             int    `envconfig:"queue_wait_time" default:"20"`
	QueueMaxNumberOfMessages  int    `envconfig:"queue_max_number_of_messages" default:"10"`
	// max is 43200 (12 hours)
	QueueVisibilityTimeout int `envconfig:"queue_visibility_timeout" default:"21600"`

	EventsStream string `envconfig:"events_stream" default:"enrolment_events"`
	BcryptCost   int    `envconfig:"bcrypt_cost" default:"10"`

	TracingEnabled bool `envconfig:"tracing_enabled" default:"false"`

	HTTPEnabled    bool    `envconfig:"http_enabled" default:"true"`
	Port           int     `envconfig:"port" default:"8080"`
	AuthToken      string  `envconfig:"api_auth_token"`
	RateLimitRPS   float64 `envconfig:"rate_limit_rps" default:"20"`
	RateLimitBurst int     `envconfig:"rate_limit_burst" default:"40"`

	QueueBatchSize          int `envconfig:"queue_batch_size" default:"10"`
	QueueBatchFlushMS       int `envconfig:"queue_batch_flush_ms" default:"25"`
	QueueBatchQueueCapacity int `envconfig:"queue_batch_queue_capacity" default:"512"`

	// Days after joining, or after the verification letter, before a reminder goes out. 0 disables it.
	NoCaseStudiesDays                    int `envconfig:"no_case_studies_days" default:"8"`
	VerificationCodeNotGivenDays         int `envconfig:"verification_code_not_given_days" default:"8"`
	VerificationCodeNotGivenDays2ndEmail int `envconfig:"verification_code_not_given_days_2nd_email" default:"16"`
}

// Load reads the environment into an EnvSpec and validates the queue bounds.
func Load() (*EnvSpec, error) {
	spec := new(EnvSpec)
	if err := envconfig.Process("", spec); err != nil {
		return nil, fmt.Errorf("issues with environment sourcing: %w", err)
	}
	if spec.RedisConsumer == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "worker-1"
		}
		spec.RedisConsumer = hostname
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *EnvSpec) Validate() error {
	var errs []error
	if s.QueueWaitTime < 0 || s.QueueWaitTime > maxQueueWaitTime {
		errs = append(errs, fmt.Errorf("QUEUE_WAIT_TIME must be between 0 and %d, got %d", maxQueueWaitTime, s.QueueWaitTime))
	}
	if s.QueueMaxNumberOfMessages < 1 || s.QueueMaxNumberOfMessages > maxQueueMessages {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_NUMBER_OF_MESSAGES must be between 1 and %d, got %d", maxQueueMessages, s.QueueMaxNumberOfMessages))
	}
	if s.QueueVisibilityTimeout < 1 || s.QueueVisibilityTimeout > maxQueueVisibilityTimeout {
		errs = append(errs, fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be between 1 and %d, got %d", maxQueueVisibilityTimeout, s.QueueVisibilityTimeout))
	}
	if s.NoCaseStudiesDays < 0 || s.VerificationCodeNotGivenDays < 0 || s.VerificationCodeNotGivenDays2ndEmail < 0 {
		errs = append(errs, errors.New("reminder days must not be negative"))
	}
	if s.EnrolmentQueueName == s.InvalidEnrolmentQueueName {
		errs = append(errs, errors.New("enrolment and invalid enrolment queues must differ"))
	}
	return errors.Join(errs...)
}

// QueueConfig builds the receive settings for the named queue.
func (s *EnvSpec) QueueConfig(name string) queue.Config {
	return queue.Config{
		Name:              name,
		WaitTime:          time.Duration(s.QueueWaitTime) * time.Second,
		MaxMessages:       s.QueueMaxNumberOfMessages,
		VisibilityTimeout: time.Duration(s.QueueVisibilityTimeout) * time.Second,
	}
}
