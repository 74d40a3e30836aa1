// internal/infra/firestore/client.go
package firestoreinfra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appcfg "marketsync/internal/infra/config"
)

// pingTimeout bounds the boot-time connectivity check.
const pingTimeout = 5 * time.Second

// ClientWrapper は Firestore クライアントと解決済みのプロジェクト
// スコープをまとめて保持します。
type ClientWrapper struct {
	Client    *firestore.Client
	ProjectID string
}

// New は Config から Firestore クライアントを初期化します。
// プロジェクト ID は config → GCP 環境変数の順で解決し、credentials は
// 明示ファイル → GOOGLE_APPLICATION_CREDENTIALS → ADC の順で選びます。
func New(ctx context.Context, cfg *appcfg.Config) (*ClientWrapper, error) {
	if cfg == nil {
		return nil, errors.New("firestore: config is nil")
	}
	projectID := cfg.ResolveProjectID()
	if projectID == "" {
		return nil, errors.New("firestore: project ID unresolved (set FIRESTORE_PROJECT_ID or GOOGLE_CLOUD_PROJECT)")
	}

	var opts []option.ClientOption
	if f := strings.TrimSpace(cfg.FirestoreCredentialsFile); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	} else if f := strings.TrimSpace(cfg.GCPCreds); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: client init failed (project=%s): %w", projectID, err)
	}

	zap.S().Infof("firestore connected project=%s", projectID)
	return &ClientWrapper{Client: client, ProjectID: projectID}, nil
}

// Ping は接続確認です。Firestore に専用 API が無いため、カート
// コレクションへの 1 件読み取りで代替します。
func (cw *ClientWrapper) Ping(ctx context.Context) error {
	if cw == nil || cw.Client == nil {
		return errors.New("firestore: client is nil")
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	it := cw.Client.Collection("carts").Limit(1).Documents(pctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore: ping failed: %w", err)
	}
	return nil
}

// Close は Firestore クライアントを閉じます。nil セーフ。
func (cw *ClientWrapper) Close() error {
	if cw == nil || cw.Client == nil {
		return nil
	}
	return cw.Client.Close()
}
