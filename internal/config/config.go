package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Identity provider
	JWTSecret    string
	AdminUserIDs []string

	// Image / mesh providers
	GeminiAPIKey        string
	GeminiImageModel    string
	MeshyAPIKey         string
	MeshyBaseURL        string
	TripoAPIKey         string
	TripoBaseURL        string
	DefaultMeshProvider string

	ImageTimeout   time.Duration
	MeshTimeout    time.Duration
	TextureTimeout time.Duration

	// Storage
	StorageBackend          string
	FirebaseBucket          string
	FirebaseCredentialsFile string
	R2AccountID             string
	R2AccessKeyID           string
	R2SecretAccessKey       string
	R2Bucket                string
	R2PublicBaseURL         string
	SupabaseURL             string
	SupabaseServiceKey      string
	SupabaseStorageBucket   string

	// Credits
	ViewGenerationCost    int64
	MeshGenerationCost    int64
	TextureGenerationCost int64
	SignupBonusCredits    int64

	// Orders
	OrderWebhookURL string
	PricingFile     string
	Currency        string

	// Webhooks
	PaymentWebhookToken string

	// Mesh analysis functions
	MeshOptimizerURL string

	// Push channel
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// Workers
	DispatchWorkers   int
	BatchPollInterval time.Duration
	BatchClaimSize    int
	ViewConcurrency   int

	// Database
	DatabaseURL string

	// Server
	Port        string
	Environment string
	BaseURL     string
}

func Load() (*Config, error) {
	cfg := &Config{
		JWTSecret:    getEnv("JWT_SECRET", ""),
		AdminUserIDs: splitList(getEnv("ADMIN_USER_IDS", "")),

		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiImageModel:    getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		MeshyAPIKey:         getEnv("MESHY_API_KEY", ""),
		MeshyBaseURL:        getEnv("MESHY_BASE_URL", "https://api.meshy.ai/openapi"),
		TripoAPIKey:         getEnv("TRIPO_API_KEY", ""),
		TripoBaseURL:        getEnv("TRIPO_BASE_URL", "https://api.tripo3d.ai/v2/openapi"),
		DefaultMeshProvider: getEnv("DEFAULT_MESH_PROVIDER", "meshy"),

		ImageTimeout:   getDuration("PROVIDER_TIMEOUT_IMAGES", 2*time.Minute),
		MeshTimeout:    getDuration("PROVIDER_TIMEOUT_MESH", 10*time.Minute),
		TextureTimeout: getDuration("PROVIDER_TIMEOUT_TEXTURE", 10*time.Minute),

		StorageBackend:          strings.ToLower(getEnv("STORAGE_BACKEND", "firebase")),
		FirebaseBucket:          getEnv("FIREBASE_BUCKET", ""),
		FirebaseCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		R2AccountID:             getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:           getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:       getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:                getEnv("R2_BUCKET", ""),
		R2PublicBaseURL:         getEnv("R2_PUBLIC_BASE_URL", ""),
		SupabaseURL:             getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:      getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:   getEnv("SUPABASE_STORAGE_BUCKET", "dream-forge"),

		ViewGenerationCost:    getInt64("CREDIT_COST_VIEWS", 1),
		MeshGenerationCost:    getInt64("CREDIT_COST_MESH", 5),
		TextureGenerationCost: getInt64("CREDIT_COST_TEXTURE", 3),
		SignupBonusCredits:    getInt64("SIGNUP_BONUS_CREDITS", 3),

		OrderWebhookURL: getEnv("ORDER_WEBHOOK_URL", ""),
		PricingFile:     getEnv("PRICING_FILE", ""),
		Currency:        getEnv("CURRENCY", "TWD"),

		PaymentWebhookToken: getEnv("PAYMENT_WEBHOOK_TOKEN", ""),

		MeshOptimizerURL: getEnv("MESH_OPTIMIZER_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisChannel:  getEnv("REDIS_CHANNEL", "dreamforge:events"),

		DispatchWorkers:   int(getInt64("DISPATCH_WORKERS", 8)),
		BatchPollInterval: getDuration("BATCH_POLL_INTERVAL", 15*time.Second),
		BatchClaimSize:    int(getInt64("BATCH_CLAIM_SIZE", 4)),
		ViewConcurrency:   int(getInt64("VIEW_CONCURRENCY", 3)),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StorageBackend {
	case "firebase":
		if c.FirebaseBucket == "" {
			return fmt.Errorf("FIREBASE_BUCKET is required when STORAGE_BACKEND=firebase")
		}
	case "r2":
		if c.R2AccountID == "" || c.R2AccessKeyID == "" || c.R2SecretAccessKey == "" || c.R2Bucket == "" {
			return fmt.Errorf("R2_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY and R2_BUCKET are required when STORAGE_BACKEND=r2")
		}
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when STORAGE_BACKEND=supabase")
		}
	case "memory":
		if c.Environment == "production" {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.DefaultMeshProvider {
	case "meshy", "tripo":
	default:
		return fmt.Errorf("DEFAULT_MESH_PROVIDER must be meshy or tripo")
	}
	if c.ViewGenerationCost < 0 || c.MeshGenerationCost < 0 || c.TextureGenerationCost < 0 {
		return fmt.Errorf("credit costs must not be negative")
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive")
	}
	return nil
}

func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return i
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
