package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultAPIBaseURL = "https://api.wuolah.com/v2"

// Config holds all application configuration
type Config struct {
	// Remote API
	APIBaseURL      string
	Token           string // stored bearer token, checked before cookies
	Cookies         string // raw Cookie header sent on authenticated fetches
	TokenCookieName string
	UserAgent       string
	APIRateLimit    float64 // requests per second against the API, 0 = unlimited

	// Timeouts
	APITimeout     time.Duration
	FetchTimeout   time.Duration
	RequestTimeout time.Duration

	// Batch
	MaxConcurrentDocuments int
	GroupByFolder          bool
	ExcludeFolders         bool
	CaptchaPollInterval    time.Duration
	ArchivePassword        string

	// Post-processing
	PostProcessCommand []string // argv; empty disables
	PostProcessKinds   []string

	// Output (archive sink)
	OutputType        string // "local" or "s3"
	OutputPath        string
	OutputTimeout     time.Duration
	OutputMaxRetries  int
	OutputRetryDelay  time.Duration
	S3Bucket          string
	S3Prefix          string
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Batch history
	HistoryDBURL         string
	HistoryEngine        string
	HistoryTable         string
	KeyPrefix            string // For Redis
	DBMaxConnections     int
	DatabaseQueryTimeout time.Duration

	// Circuit Breaker
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time to wait before half-open
	CircuitBreakerMaxRequests int           // max requests in half-open state

	// Callback
	CallbackURL        string
	CallbackMaxRetries int
	CallbackRetryDelay time.Duration

	// Security
	EnforceSigning bool
	SigningSecret  []byte

	// Server
	Port        string
	EnableHTTPS bool

	// Let's Encrypt
	LetsEncryptDomains  []string
	LetsEncryptCacheDir string
	LetsEncryptEmail    string

	// Metrics
	MetricsUsername string
	MetricsPassword string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	baseURL := os.Getenv("API_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API_BASE_URL: %q", baseURL)
	}

	maxConcurrent := 4
	if v := os.Getenv("MAX_CONCURRENT_DOCUMENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_DOCUMENTS: %q", v)
		}
		maxConcurrent = n
	}

	var historyEngine string
	historyURL := os.Getenv("HISTORY_DB_URL")
	if historyURL != "" {
		u, err := url.Parse(historyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid HISTORY_DB_URL: %w", err)
		}
		historyEngine = u.Scheme
	}

	groupByFolder, _ := strconv.ParseBool(os.Getenv("GROUP_BY_FOLDER"))
	excludeFolders, _ := strconv.ParseBool(os.Getenv("EXCLUDE_FOLDERS"))
	enforceSigning, _ := strconv.ParseBool(os.Getenv("ENFORCE_SIGNING"))
	enableHTTPS, _ := strconv.ParseBool(os.Getenv("ENABLE_HTTPS"))

	if enforceSigning && os.Getenv("SIGNING_SECRET") == "" {
		return nil, fmt.Errorf("SIGNING_SECRET required when ENFORCE_SIGNING=true")
	}

	cookieName := os.Getenv("TOKEN_COOKIE_NAME")
	if cookieName == "" {
		cookieName = "token"
	}

	userAgent := os.Getenv("USER_AGENT")
	if userAgent == "" {
		userAgent = "docbatch/1.0"
	}

	historyTable := os.Getenv("HISTORY_TABLE")
	if historyTable == "" {
		historyTable = "batches"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	s3Region := os.Getenv("S3_REGION")
	if s3Region == "" {
		s3Region = "auto"
	}

	s3UsePathStyle := false
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			s3UsePathStyle = parsed
		}
	}

	var letsEncryptDomains []string
	if enableHTTPS {
		letsEncryptDomains = parseStringList(os.Getenv("LETSENCRYPT_DOMAINS"))
		if len(letsEncryptDomains) == 0 {
			return nil, fmt.Errorf("LETSENCRYPT_DOMAINS required when ENABLE_HTTPS=true")
		}
	}

	letsEncryptCacheDir := os.Getenv("LETSENCRYPT_CACHE_DIR")
	if letsEncryptCacheDir == "" {
		letsEncryptCacheDir = "./certs"
	}

	// Determine output type; a bucket without an explicit type means s3
	outputType := os.Getenv("OUTPUT_TYPE")
	outputPath := os.Getenv("OUTPUT_PATH")
	s3Bucket := os.Getenv("S3_BUCKET")
	if outputType == "" {
		if s3Bucket != "" && outputPath == "" {
			outputType = "s3"
		} else {
			outputType = "local"
		}
	}
	if outputType == "local" && outputPath == "" {
		outputPath = "."
	}
	if outputType == "s3" && s3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET required when OUTPUT_TYPE=s3")
	}

	postKinds := parseStringList(os.Getenv("POSTPROCESS_KINDS"))
	if len(postKinds) == 0 {
		postKinds = []string{"pdf"}
	}

	return &Config{
		APIBaseURL:      strings.TrimRight(baseURL, "/"),
		Token:           os.Getenv("WUOLAH_TOKEN"),
		Cookies:         os.Getenv("WUOLAH_COOKIES"),
		TokenCookieName: cookieName,
		UserAgent:       userAgent,
		APIRateLimit:    parseFloat(os.Getenv("API_RATE_LIMIT"), 0),

		APITimeout:     parseDuration(os.Getenv("API_TIMEOUT"), 30*time.Second),
		FetchTimeout:   parseDuration(os.Getenv("FETCH_TIMEOUT"), 120*time.Second),
		RequestTimeout: parseDuration(os.Getenv("REQUEST_TIMEOUT"), 30*time.Minute),

		MaxConcurrentDocuments: maxConcurrent,
		GroupByFolder:          groupByFolder,
		ExcludeFolders:         excludeFolders,
		CaptchaPollInterval:    parseDuration(os.Getenv("CAPTCHA_POLL_INTERVAL"), 2*time.Second),
		ArchivePassword:        os.Getenv("ARCHIVE_PASSWORD"),

		PostProcessCommand: strings.Fields(os.Getenv("POSTPROCESS_COMMAND")),
		PostProcessKinds:   postKinds,

		OutputType:        outputType,
		OutputPath:        outputPath,
		OutputTimeout:     parseDuration(os.Getenv("OUTPUT_TIMEOUT"), 60*time.Second),
		OutputMaxRetries:  parseInt(os.Getenv("OUTPUT_MAX_RETRIES"), 3),
		OutputRetryDelay:  parseDuration(os.Getenv("OUTPUT_RETRY_DELAY"), 1*time.Second),
		S3Bucket:          s3Bucket,
		S3Prefix:          os.Getenv("S3_PREFIX"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          s3Region,
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3UsePathStyle:    s3UsePathStyle,

		HistoryDBURL:         historyURL,
		HistoryEngine:        historyEngine,
		HistoryTable:         historyTable,
		KeyPrefix:            os.Getenv("KEY_PREFIX"),
		DBMaxConnections:     parseInt(os.Getenv("DB_MAX_CONNECTIONS"), 20),
		DatabaseQueryTimeout: parseDuration(os.Getenv("DATABASE_QUERY_TIMEOUT"), 5*time.Second),

		CircuitBreakerThreshold:   parseInt(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"), 5),
		CircuitBreakerTimeout:     parseDuration(os.Getenv("CIRCUIT_BREAKER_TIMEOUT"), 60*time.Second),
		CircuitBreakerMaxRequests: parseInt(os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"), 2),

		CallbackURL:        os.Getenv("CALLBACK_URL"),
		CallbackMaxRetries: parseInt(os.Getenv("CALLBACK_MAX_RETRIES"), 3),
		CallbackRetryDelay: parseDuration(os.Getenv("CALLBACK_RETRY_DELAY"), 5*time.Second),

		EnforceSigning: enforceSigning,
		SigningSecret:  []byte(os.Getenv("SIGNING_SECRET")),

		Port:                port,
		EnableHTTPS:         enableHTTPS,
		LetsEncryptDomains:  letsEncryptDomains,
		LetsEncryptCacheDir: letsEncryptCacheDir,
		LetsEncryptEmail:    os.Getenv("LETSENCRYPT_EMAIL"),
		MetricsUsername:     os.Getenv("METRICS_USERNAME"),
		MetricsPassword:     os.Getenv("METRICS_PASSWORD"),
	}, nil
}

// Helper functions for parsing configuration values

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseFloat(s string, defaultValue float64) float64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
