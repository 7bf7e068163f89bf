package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	photosReadonlyScope   = "https://www.googleapis.com/auth/photoslibrary.readonly"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// トークン交換に使うHTTPクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はPKCE付き認可コードフローでGoogle Photosへのアクセスを委任してもらう。
type GoogleOAuthProvider struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{photosReadonlyScope}
	}
	return &GoogleOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: config.HTTPClient,
	}
}

// AuthCodeURL はS256チャレンジとstateを含むGoogleの認可URLを生成する。
func (p *GoogleOAuthProvider) AuthCodeURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
}

// Exchange は認可コードをアクセストークンに交換する。
// プロバイダがエラー応答を返した場合はErrExchangeRejected、
// 通信エラーやタイムアウトはErrProviderUnavailableをラップして返す。
func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code, verifier string) (*ProviderToken, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: %w", ErrExchangeRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	return &ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// compile-time interface check
var _ Exchanger = (*GoogleOAuthProvider)(nil)
