package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_Client_SyncMetadata(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/audios", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(APIConfig{BaseURL: server.URL + "/", AccessToken: "secret", Timeout: time.Second})
	require.NoError(t, client.SyncMetadata(context.Background(), "audios", map[string]any{"id": "abc"}))
	assert.Equal(t, "abc", received["id"])
}

func Test_Client_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(APIConfig{BaseURL: server.URL, Timeout: time.Second})
	err := client.SyncMetadata(context.Background(), "recordings", map[string]any{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "nope", apiErr.Body)
}

func Test_Client_RequestSpeechToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/speech/tokens", r.URL.Path)
		_, _ = io.WriteString(w, `{"token":"tkn","region":"eastus"}`)
	}))
	defer server.Close()

	token, err := NewClient(APIConfig{BaseURL: server.URL, Timeout: time.Second}).RequestSpeechToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SpeechToken{Token: "tkn", Region: "eastus"}, token)
}

type countingSource struct {
	tokens []*SpeechToken
	calls  int
}

func (s *countingSource) RequestSpeechToken(context.Context) (*SpeechToken, error) {
	if s.calls >= len(s.tokens) {
		return nil, errors.New("no more tokens")
	}
	token := s.tokens[s.calls]
	s.calls++
	return token, nil
}

func signed(t *testing.T, expires time.Time) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expires)}).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func Test_TokenCache_RefreshesNearExpiry(t *testing.T) {
	start := time.Now()
	source := &countingSource{tokens: []*SpeechToken{
		{Token: signed(t, start.Add(5*time.Minute)), Region: "a"},
		{Token: signed(t, start.Add(20*time.Minute)), Region: "b"},
	}}

	cache := NewTokenCache(source)
	clock := start
	cache.now = func() time.Time { return clock }

	first, err := cache.RequestSpeechToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", first.Region)

	clock = start.Add(4 * time.Minute)
	cached, err := cache.RequestSpeechToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", cached.Region)
	assert.Equal(t, 1, source.calls)

	clock = start.Add(4*time.Minute + 45*time.Second)
	refreshed, err := cache.RequestSpeechToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", refreshed.Region)
	assert.Equal(t, 2, source.calls)
}

func Test_TokenExpiry_OpaqueToken(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now.Add(opaqueTokenTTL), tokenExpiry("not-a-jwt", now))
}

type mockPutter struct{ mock.Mock }

func (m *mockPutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(aws.ToString(params.Bucket), aws.ToString(params.Key), aws.ToInt64(params.ContentLength))
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func Test_BlobStore_PutBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.mp3")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	putter := &mockPutter{}
	putter.On("PutObject", "media", "audios/abc.mp3", int64(5)).Return(&s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil).Once()

	store := &BlobStore{bucket: "media", client: putter}
	result, err := store.PutBlob(context.Background(), "audios/abc.mp3", path)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, `"etag"`, result.Data["etag"])
	putter.AssertExpectations(t)
}

func Test_BlobStore_PutBlobFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.mp3")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	putter := &mockPutter{}
	putter.On("PutObject", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("denied"))

	store := &BlobStore{bucket: "media", client: putter}
	_, err := store.PutBlob(context.Background(), "k", path)
	assert.ErrorContains(t, err, "denied")

	_, err = store.PutBlob(context.Background(), "k", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
