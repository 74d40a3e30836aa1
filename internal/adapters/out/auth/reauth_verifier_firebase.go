// internal/adapters/out/auth/reauth_verifier_firebase.go
package auth

import (
	"context"
	"errors"
	"fmt"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// ReauthVerifierFirebase は Firebase Auth で再認証トークンを検証します。
// チェックアウト前の 2FA 再確認で CartEngine から呼ばれます。
type ReauthVerifierFirebase struct {
	client *firebaseauth.Client
}

func NewReauthVerifierFirebase(client *firebaseauth.Client) *ReauthVerifierFirebase {
	return &ReauthVerifierFirebase{client: client}
}

// Verify は ID トークンを検証し、subject の uid を返します。
func (v *ReauthVerifierFirebase) Verify(ctx context.Context, idToken string) (string, error) {
	if v == nil || v.client == nil {
		return "", errors.New("reauth_verifier_firebase: auth client is nil")
	}

	tok, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("reauth_verifier_firebase: token verification failed: %w", err)
	}
	return tok.UID, nil
}
