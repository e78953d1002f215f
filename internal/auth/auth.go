// Package auth handles the Google sign-in flow and session tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/storage"
)

const defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// prefSessionsInvalidBefore stores the logout watermark in the user's
// preference map: tokens issued before it no longer authorize.
const prefSessionsInvalidBefore = "sessionsInvalidBefore"

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
)

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type Service struct {
	oauth       *oauth2.Config
	store       storage.Storage
	log         *logger.Logger
	secret      []byte
	sessionTTL  time.Duration
	userInfoURL string
	httpClient  *http.Client
	now         func() time.Time
}

func NewService(clientID, clientSecret, redirectURL, secret string, sessionTTL time.Duration, store storage.Storage, log *logger.Logger) *Service {
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		store:       store,
		log:         log.With("component", "auth"),
		secret:      []byte(secret),
		sessionTTL:  sessionTTL,
		userInfoURL: defaultUserInfoURL,
		httpClient:  http.DefaultClient,
		now:         time.Now,
	}
}

// WithUserInfoURL redirects profile lookups, used by tests.
func (s *Service) WithUserInfoURL(url string) *Service {
	s.userInfoURL = url
	return s
}

func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.httpClient = c
	return s
}

// LoginURL builds the consent page URL for the given anti-forgery state.
func (s *Service) LoginURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

type googleProfile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// HandleCallback exchanges the authorization code, upserts the user and
// mints a session token.
func (s *Service) HandleCallback(ctx context.Context, code string) (*models.User, string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("exchange code: %w", err)
	}

	profile, err := s.fetchProfile(ctx, token)
	if err != nil {
		return nil, "", err
	}

	user := &models.User{
		ID:        "google:" + profile.ID,
		Name:      profile.Name,
		Email:     profile.Email,
		AvatarURL: profile.Picture,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("upsert user: %w", err)
	}

	session, err := s.MintToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("user signed in", "userID", user.ID)
	return user, session, nil
}

func (s *Service) fetchProfile(ctx context.Context, token *oauth2.Token) (*googleProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch profile: unexpected status %d", resp.StatusCode)
	}

	var profile googleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if profile.ID == "" {
		return nil, errors.New("profile response missing id")
	}
	return &profile, nil
}

// MintToken issues a signed session token for the user.
func (s *Service) MintToken(userID string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a session token and returns the user ID.
func (s *Service) ParseToken(tokenStr string) (string, error) {
	claims, err := s.parseClaims(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (s *Service) parseClaims(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize validates a session token against both its signature and
// the user's logout watermark, so dropping the token client-side is
// backed by server-side invalidation.
func (s *Service) Authorize(ctx context.Context, tokenStr string) (string, error) {
	claims, err := s.parseClaims(tokenStr)
	if err != nil {
		return "", err
	}
	user, err := s.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return "", ErrInvalidToken
	}
	if raw := user.Prefs[prefSessionsInvalidBefore]; raw != "" && claims.IssuedAt != nil {
		cutoff, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && claims.IssuedAt.Time.Before(time.Unix(0, cutoff)) {
			return "", ErrExpiredToken
		}
	}
	return claims.UserID, nil
}

// InvalidateSessions stamps the user's logout watermark. Every token
// issued before the stamp stops authorizing immediately.
func (s *Service) InvalidateSessions(ctx context.Context, userID string) error {
	stamp := strconv.FormatInt(s.now().UnixNano(), 10)
	if err := s.store.UpdateUserPrefs(ctx, userID, map[string]string{prefSessionsInvalidBefore: stamp}); err != nil {
		return fmt.Errorf("stamp session invalidation: %w", err)
	}
	s.log.Info("sessions invalidated", "userID", userID)
	return nil
}
