package remote

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// tokenLeeway is how long before expiry a cached token is refreshed.
	tokenLeeway = 30 * time.Second

	// opaqueTokenTTL is assumed for tokens whose expiry cannot be read.
	opaqueTokenTTL = 9 * time.Minute
)

type (
	TokenSource interface {
		RequestSpeechToken(ctx context.Context) (*SpeechToken, error)
	}

	// TokenCache caches the speech token handed out by the backend until
	// shortly before it expires. The expiry is read from the token claims
	// without verification; the token is only ever forwarded, never trusted.
	TokenCache struct {
		*sync.Mutex
		source  TokenSource
		token   *SpeechToken
		expires time.Time
		now     func() time.Time
	}
)

func NewTokenCache(source TokenSource) *TokenCache {
	return &TokenCache{Mutex: &sync.Mutex{}, source: source, now: time.Now}
}

func (cache *TokenCache) RequestSpeechToken(ctx context.Context) (*SpeechToken, error) {
	cache.Lock()
	defer cache.Unlock()

	now := cache.now()
	if cache.token != nil && now.Add(tokenLeeway).Before(cache.expires) {
		return cache.token, nil
	}

	token, err := cache.source.RequestSpeechToken(ctx)
	if err != nil {
		return nil, err
	}

	cache.token = token
	cache.expires = tokenExpiry(token.Token, now)
	log.Debugf("Refreshed speech token for region %s (expires %s)\n", token.Region, cache.expires.Format(time.RFC3339))
	return token, nil
}

func tokenExpiry(raw string, now time.Time) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &jwt.RegisteredClaims{})
	if err != nil {
		return now.Add(opaqueTokenTTL)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(opaqueTokenTTL)
	}

	return exp.Time
}
