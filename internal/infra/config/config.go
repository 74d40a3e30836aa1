// internal/infra/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持します。
// YAML ファイル（MARKETSYNC_CONFIG）をベースに、環境変数で上書きします。
type Config struct {
	// GCP / Firestore
	FirestoreProjectID       string `yaml:"firestoreProjectId"`
	FirestoreCredentialsFile string `yaml:"firestoreCredentialsFile"`
	GCPCreds                 string `yaml:"-"`

	// Totals / checkout-validation gateway (callable HTTP function)
	TotalsGatewayURL         string        `yaml:"totalsGatewayUrl"`
	TotalsGatewayAPIKey      string        `yaml:"totalsGatewayApiKey"`
	TotalsGatewaySecretID    string        `yaml:"totalsGatewaySecretId"`
	TotalsGatewayFailureMemo time.Duration `yaml:"totalsGatewayFailureMemo"`

	// Durable local selection store (SQLite)
	SelectionStorePath string `yaml:"selectionStorePath"`

	// Sync engine tuning
	OptimisticAddTimeout    time.Duration `yaml:"optimisticAddTimeout"`
	OptimisticRemoveTimeout time.Duration `yaml:"optimisticRemoveTimeout"`
	MutationCooldown        time.Duration `yaml:"mutationCooldown"`
	PageSize                int           `yaml:"pageSize"`

	// Coupon / benefit tuning
	CouponMinimumMultiplier float64       `yaml:"couponMinimumMultiplier"`
	FreeShippingThreshold   float64       `yaml:"freeShippingThreshold"`
	CouponReadyAttempts     int           `yaml:"couponReadyAttempts"`
	CouponReadyInterval     time.Duration `yaml:"couponReadyInterval"`

	// Checkout re-verification freshness window (2FA)
	ReauthFreshness time.Duration `yaml:"reauthFreshness"`

	// Daemon scope: one engine set per (user, collection scope)
	OwnerID  string `yaml:"ownerId"`
	BasketID string `yaml:"basketId"`
}

// Load は設定ファイルと環境変数を読み込み Config を返します。
// ファイルが無い場合は defaults + env のみで動作します。
func Load() *Config {
	cfg := defaults()

	if path := os.Getenv("MARKETSYNC_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			zap.S().Warnf("config file unreadable path=%s err=%v (using defaults)", path, err)
		} else {
			// パース失敗時は部分適用を避けて defaults のまま続行する
			parsed := defaults()
			if err := yaml.Unmarshal(raw, parsed); err != nil {
				zap.S().Warnf("config file parse failed path=%s err=%v (using defaults)", path, err)
			} else {
				cfg = parsed
			}
		}
	}

	applyEnv(cfg)
	return cfg
}

// ResolveProjectID は GCP プロジェクト ID を解決します。
// config の値を優先し、空なら一般的な GCP 環境変数を順に参照します。
func (c *Config) ResolveProjectID() string {
	if v := strings.TrimSpace(c.FirestoreProjectID); v != "" {
		return v
	}
	for _, k := range []string{
		"FIRESTORE_PROJECT_ID",
		"GCP_PROJECT_ID",
		"GOOGLE_CLOUD_PROJECT",
		"FIREBASE_PROJECT_ID",
	} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func defaults() *Config {
	return &Config{
		FirestoreProjectID:       "marketsync-development",
		TotalsGatewayFailureMemo: 30 * time.Second,
		SelectionStorePath:       "marketsync-selection.db",
		OptimisticAddTimeout:     3 * time.Second,
		OptimisticRemoveTimeout:  5 * time.Second,
		MutationCooldown:         time.Second,
		PageSize:                 20,
		CouponMinimumMultiplier:  2,
		FreeShippingThreshold:    200,
		CouponReadyAttempts:      10,
		CouponReadyInterval:      200 * time.Millisecond,
		ReauthFreshness:          2 * time.Minute,
	}
}

func applyEnv(cfg *Config) {
	cfg.GCPCreds = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")

	setString(&cfg.FirestoreProjectID, "FIRESTORE_PROJECT_ID")
	setString(&cfg.FirestoreProjectID, "GCP_PROJECT_ID")
	setString(&cfg.FirestoreCredentialsFile, "FIRESTORE_CREDENTIALS_FILE")
	setString(&cfg.TotalsGatewayURL, "TOTALS_GATEWAY_URL")
	setString(&cfg.TotalsGatewayAPIKey, "TOTALS_GATEWAY_API_KEY")
	setString(&cfg.TotalsGatewaySecretID, "TOTALS_GATEWAY_SECRET_ID")
	setString(&cfg.SelectionStorePath, "SELECTION_STORE_PATH")
	setString(&cfg.OwnerID, "MARKETSYNC_OWNER_ID")
	setString(&cfg.BasketID, "MARKETSYNC_BASKET_ID")

	setDuration(&cfg.OptimisticAddTimeout, "OPTIMISTIC_ADD_TIMEOUT")
	setDuration(&cfg.OptimisticRemoveTimeout, "OPTIMISTIC_REMOVE_TIMEOUT")
	setDuration(&cfg.MutationCooldown, "MUTATION_COOLDOWN")
	setDuration(&cfg.CouponReadyInterval, "COUPON_READY_INTERVAL")
	setDuration(&cfg.ReauthFreshness, "REAUTH_FRESHNESS")

	setInt(&cfg.PageSize, "PAGE_SIZE")
	setInt(&cfg.CouponReadyAttempts, "COUPON_READY_ATTEMPTS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
