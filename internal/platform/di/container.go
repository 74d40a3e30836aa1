// internal/platform/di/container.go
package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	authadapter "marketsync/internal/adapters/out/auth"
	fsadapter "marketsync/internal/adapters/out/firestore"
	"marketsync/internal/adapters/out/functions"
	"marketsync/internal/adapters/out/localstore"
	"marketsync/internal/application/engine"
	appcfg "marketsync/internal/infra/config"
	firestoreinfra "marketsync/internal/infra/firestore"
	syncer "marketsync/internal/sync"
)

// Container は main から使う依存オブジェクトの束。
// 目的は main.go を極限まで薄くすること。
//
// Firestore と selection store は strict（失敗で起動中止）。
// Firebase Auth と Secret Manager は best-effort（WARN して続行）。
type Container struct {
	Config    *appcfg.Config
	ProjectID string

	// Clients (owned; Close-managed)
	Firestore     *firestoreinfra.ClientWrapper
	FirebaseApp   *firebase.App
	FirebaseAuth  *firebaseauth.Client
	SecretManager *secretmanager.Client

	// Engines (one set per (owner, basket) scope)
	Cart      *engine.CartEngine
	Favorites *engine.FavoritesEngine
	FoodCart  *engine.FoodCartEngine
	Coupons   *engine.CouponEngine
	Discount  *engine.DiscountSelection

	selectionStore *localstore.SelectionStoreSQLite
}

// NewContainer は DI コンテナを初期化して返す。
func NewContainer(ctx context.Context) (*Container, error) {
	cfg := appcfg.Load()
	if cfg == nil {
		return nil, errors.New("di: config is nil")
	}

	ownerID := strings.TrimSpace(cfg.OwnerID)
	if ownerID == "" {
		return nil, errors.New("di: ownerID is empty (set MARKETSYNC_OWNER_ID)")
	}

	c := &Container{Config: cfg}

	// 1) Firestore (strict; project resolution lives in the wrapper)
	fsw, err := firestoreinfra.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("di: firestore init failed: %w", err)
	}
	c.Firestore = fsw
	c.ProjectID = fsw.ProjectID
	if err := fsw.Ping(ctx); err != nil {
		zap.S().Warnf("firestore ping failed: %v (continuing; listens may fail)", err)
	}
	projectID := fsw.ProjectID

	// 2) Secret Manager (best-effort; gateway API key 解決に使用)
	{
		sm, err := secretmanager.NewClient(ctx)
		if err != nil {
			zap.S().Warnf("secretmanager init failed: %v (secret-backed settings disabled)", err)
			sm = nil
		}
		c.SecretManager = sm
	}

	// 3) Firebase App/Auth (best-effort; 再認証検証に使用)
	{
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
		if err != nil {
			zap.S().Warnf("firebase app init failed: %v", err)
		} else {
			c.FirebaseApp = fbApp
			authClient, err := fbApp.Auth(ctx)
			if err != nil {
				zap.S().Warnf("firebase auth init failed: %v", err)
			} else {
				c.FirebaseAuth = authClient
			}
		}
	}

	// 4) Durable selection store (strict)
	store, err := localstore.NewSelectionStoreSQLite(cfg.SelectionStorePath)
	if err != nil {
		_ = c.Firestore.Close()
		if c.SecretManager != nil {
			_ = c.SecretManager.Close()
		}
		return nil, fmt.Errorf("di: selection store init failed (path=%s): %w", cfg.SelectionStorePath, err)
	}
	c.selectionStore = store

	// 5) Totals gateway。API key は config 優先、無ければ Secret Manager。
	apiKey := strings.TrimSpace(cfg.TotalsGatewayAPIKey)
	if apiKey == "" && strings.TrimSpace(cfg.TotalsGatewaySecretID) != "" {
		apiKey = c.resolveSecret(ctx, cfg.TotalsGatewaySecretID)
	}
	if strings.TrimSpace(cfg.TotalsGatewayURL) == "" {
		zap.S().Warnf("totals gateway URL not configured; totals and checkout validation run degraded")
	}
	gateway := functions.NewTotalsGatewayHTTP(cfg.TotalsGatewayURL, apiKey, cfg.TotalsGatewayFailureMemo)

	// 6) Reauth verifier。Firebase Auth が無い場合は nil のまま
	// （VerifyReauth は常に失敗し、チェックアウトは開かない）。
	var reauth engine.ReauthVerifier
	if c.FirebaseAuth != nil {
		reauth = authadapter.NewReauthVerifierFirebase(c.FirebaseAuth)
	}

	// 7) Repositories
	fsClient := fsw.Client
	cartRepo := fsadapter.NewCartRepositoryFS(fsClient)
	favRepo := fsadapter.NewFavoriteRepositoryFS(fsClient)
	foodRepo := fsadapter.NewFoodCartRepositoryFS(fsClient)
	couponRepo := fsadapter.NewCouponRepositoryFS(fsClient)

	// 8) Engines
	c.Cart = engine.NewCartEngine(
		engine.CartConfig{
			OwnerID:       ownerID,
			PageSize:      cfg.PageSize,
			AddTimeout:    cfg.OptimisticAddTimeout,
			RemoveTimeout: cfg.OptimisticRemoveTimeout,
			Cooldown:      cfg.MutationCooldown,
			ReauthWindow:  cfg.ReauthFreshness,
		},
		cartRepo,
		cartRepo,
		gateway,
		reauth,
		syncer.NewResultCache(),
		fsadapter.DecodeCartItem,
	)

	c.Favorites = engine.NewFavoritesEngine(
		engine.FavoritesConfig{
			OwnerID:       ownerID,
			BasketID:      cfg.BasketID,
			PageSize:      cfg.PageSize,
			AddTimeout:    cfg.OptimisticAddTimeout,
			RemoveTimeout: cfg.OptimisticRemoveTimeout,
			Cooldown:      cfg.MutationCooldown,
		},
		favRepo,
		favRepo,
		fsadapter.DecodeFavoriteItem,
	)

	c.FoodCart = engine.NewFoodCartEngine(
		engine.FoodCartConfig{
			OwnerID:       ownerID,
			AddTimeout:    cfg.OptimisticAddTimeout,
			RemoveTimeout: cfg.OptimisticRemoveTimeout,
			Cooldown:      cfg.MutationCooldown,
		},
		foodRepo,
		foodRepo,
		fsadapter.DecodeFoodItem,
	)

	c.Coupons = engine.NewCouponEngine(
		engine.CouponConfig{
			OwnerID:           ownerID,
			MinimumMultiplier: cfg.CouponMinimumMultiplier,
			ReadyAttempts:     cfg.CouponReadyAttempts,
			ReadyInterval:     cfg.CouponReadyInterval,
		},
		couponRepo,
		couponRepo,
		fsadapter.DecodeCoupon,
		fsadapter.DecodeBenefit,
	)

	c.Discount = engine.NewDiscountSelection(
		engine.DiscountConfig{
			MinimumMultiplier:     cfg.CouponMinimumMultiplier,
			FreeShippingThreshold: cfg.FreeShippingThreshold,
		},
		c.Coupons,
		store,
	)

	zap.S().Infof("container initialized owner=%s project=%s", ownerID, projectID)
	return c, nil
}

// resolveSecret は Secret Manager から latest version を読む。
// 失敗は WARN のみ（degraded gateway で続行）。
func (c *Container) resolveSecret(ctx context.Context, secretID string) string {
	if c.SecretManager == nil {
		zap.S().Warnf("secret %s requested but secretmanager is unavailable", secretID)
		return ""
	}
	name := "projects/" + c.ProjectID + "/secrets/" + strings.TrimSpace(secretID) + "/versions/latest"
	resp, err := c.SecretManager.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		zap.S().Warnf("AccessSecretVersion failed (%s): %v", name, err)
		return ""
	}
	if resp == nil || resp.Payload == nil {
		zap.S().Warnf("empty secret payload (%s)", name)
		return ""
	}
	return strings.TrimSpace(string(resp.Payload.Data))
}

// Close は終了時に呼んで安全にリソースを閉じる。
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.Cart != nil {
		c.Cart.Close()
	}
	if c.Favorites != nil {
		c.Favorites.Close()
	}
	if c.FoodCart != nil {
		c.FoodCart.Close()
	}
	if c.Coupons != nil {
		c.Coupons.Close()
	}
	if c.selectionStore != nil {
		_ = c.selectionStore.Close()
	}
	if c.SecretManager != nil {
		_ = c.SecretManager.Close()
	}
	if c.Firestore != nil {
		_ = c.Firestore.Close()
	}
}

