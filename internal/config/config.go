package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values come from env; no business logic reads raw environment
// variables.
type Config struct {
	App    AppConfig
	Calls  CallsConfig
	DB     DBConfig
	Redis  RedisConfig
	Vonage VonageConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable base of this process, used
	// to build the webhook URLs handed to the provider.
	PublicBaseURL string
}

type CallsConfig struct {
	Enabled    bool
	Provider   string
	FromNumber string

	// StoreBackend is "file" or "postgres".
	StoreBackend string
	// StoreDir is the durable state directory for the file backend.
	StoreDir string

	MaxDuration       time.Duration
	TranscriptTimeout time.Duration
	RingTimeout       int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	// Addr enables the shared event-dedup set when non-empty.
	Addr string
}

type VonageConfig struct {
	ApplicationID   string
	PrivateKeyPath  string
	SignatureSecret string
	APIBaseURL      string
}

func Load() (Config, error) {
	c := Config{}
	var errs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intEnv("APP_PORT", 8080, &errs)
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.Calls.Enabled = boolEnv("CALLS_ENABLED", true)
	c.Calls.Provider = strings.TrimSpace(os.Getenv("CALLS_PROVIDER"))
	if c.Calls.Provider == "" {
		c.Calls.Provider = "vonage"
	}
	c.Calls.FromNumber = strings.TrimSpace(os.Getenv("CALLS_FROM_NUMBER"))
	c.Calls.StoreBackend = strings.TrimSpace(os.Getenv("CALLS_STORE_BACKEND"))
	if c.Calls.StoreBackend == "" {
		c.Calls.StoreBackend = "file"
	}
	c.Calls.StoreDir = strings.TrimSpace(os.Getenv("CALLS_STORE_DIR"))
	if c.Calls.StoreDir == "" {
		c.Calls.StoreDir = "./data/calls"
	}
	c.Calls.MaxDuration = durationEnv("CALLS_MAX_DURATION", 10*time.Minute, &errs)
	c.Calls.TranscriptTimeout = durationEnv("CALLS_TRANSCRIPT_TIMEOUT", 30*time.Second, &errs)
	c.Calls.RingTimeout = intEnv("CALLS_RING_TIMEOUT", 45, &errs)

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intEnv("DB_PORT", 5432, &errs)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	c.Vonage.ApplicationID = strings.TrimSpace(os.Getenv("VONAGE_APPLICATION_ID"))
	c.Vonage.PrivateKeyPath = strings.TrimSpace(os.Getenv("VONAGE_PRIVATE_KEY_PATH"))
	c.Vonage.SignatureSecret = os.Getenv("VONAGE_SIGNATURE_SECRET")
	c.Vonage.APIBaseURL = strings.TrimSpace(os.Getenv("VONAGE_API_BASE_URL"))

	if err := joinErrors(errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Calls.Enabled {
		if c.Calls.FromNumber == "" {
			errs = append(errs, errors.New("CALLS_FROM_NUMBER is required when calls are enabled"))
		}
		if c.Calls.Provider != "vonage" {
			errs = append(errs, fmt.Errorf("CALLS_PROVIDER %q is not supported", c.Calls.Provider))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required when calls are enabled"))
		}
		if c.Vonage.ApplicationID == "" {
			errs = append(errs, errors.New("VONAGE_APPLICATION_ID is required when calls are enabled"))
		}
		if c.Vonage.PrivateKeyPath == "" {
			errs = append(errs, errors.New("VONAGE_PRIVATE_KEY_PATH is required when calls are enabled"))
		}
		if c.Vonage.SignatureSecret == "" && c.IsProduction() {
			errs = append(errs, errors.New("VONAGE_SIGNATURE_SECRET is required in production"))
		}
	}

	switch c.Calls.StoreBackend {
	case "file":
		if c.Calls.StoreDir == "" {
			errs = append(errs, errors.New("CALLS_STORE_DIR is required for the file backend"))
		}
	case "postgres":
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required for the postgres backend"))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required for the postgres backend"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("CALLS_STORE_BACKEND must be file or postgres, got %q", c.Calls.StoreBackend))
	}

	if c.Calls.MaxDuration <= 0 {
		errs = append(errs, errors.New("CALLS_MAX_DURATION must be positive"))
	}
	if c.Calls.TranscriptTimeout <= 0 {
		errs = append(errs, errors.New("CALLS_TRANSCRIPT_TIMEOUT must be positive"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	sslmode := c.DB.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, sslmode,
	)
}

// AnswerWebhookURL is the answer-URL handed to the provider at call creation.
func (c Config) AnswerWebhookURL() string {
	return c.App.PublicBaseURL + "/webhooks/" + c.Calls.Provider + "/answer"
}

// EventWebhookURL is the event-URL handed to the provider at call creation.
func (c Config) EventWebhookURL() string {
	return c.App.PublicBaseURL + "/webhooks/" + c.Calls.Provider + "/event"
}

func intEnv(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func boolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return def
	}
	return d
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
