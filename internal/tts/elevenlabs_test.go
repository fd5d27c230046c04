package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostRewriter redirects every request to the test server regardless of the
// URL the client built.
type hostRewriter struct {
	scheme, host string
}

func (h hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = h.scheme
	req.URL.Host = h.host
	return http.DefaultTransport.RoundTrip(req)
}

func rewriteHost(target string) http.RoundTripper {
	u, err := url.Parse(target)
	if err != nil {
		panic(err)
	}
	return hostRewriter{scheme: u.Scheme, host: u.Host}
}

// newTestProvider points the client at a test server.
func newTestProvider(t *testing.T, handler http.HandlerFunc) (*ElevenLabs, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewElevenLabs("test-key")
	p.httpClient = srv.Client()
	return p, srv
}

func TestSynthesizeWithTimestamps(t *testing.T) {
	audio := []byte("mp3-bytes")
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/with-timestamps")
		assert.Equal(t, "test-key", r.Header.Get("xi-api-key"))

		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hi.", req.Text)

		resp := map[string]any{
			"audio_base64": base64.StdEncoding.EncodeToString(audio),
			"alignment": map[string]any{
				"characters":                    []string{"H", "i", "."},
				"character_start_times_seconds": []float64{0, 0.1, 0.2},
				"character_end_times_seconds":   []float64{0.1, 0.2, 0.3},
			},
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})

	// Rewrite the base URL through the transport: the client dials the test
	// server for any host.
	srvURL := srv.URL
	p.httpClient.Transport = rewriteHost(srvURL)

	res, err := p.Synthesize(context.Background(), Request{Text: "Hi.", WithTimestamps: true})
	require.NoError(t, err)
	assert.Equal(t, audio, res.Audio)
	require.Len(t, res.Alignment, 3)
	assert.Equal(t, "i", res.Alignment[1].Char)
	assert.InDelta(t, 0.1, res.Alignment[1].Start, 1e-9)
	assert.InDelta(t, 0.3, res.Alignment[2].End, 1e-9)
}

func TestSynthesizeAuthError(t *testing.T) {
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail": "invalid api key"}`)) //nolint:errcheck
	})
	p.httpClient.Transport = rewriteHost(srv.URL)

	_, err := p.Synthesize(context.Background(), Request{Text: "x"})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, authErr.Retryable())
}

func TestSynthesizeRateLimited(t *testing.T) {
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	p.httpClient.Transport = rewriteHost(srv.URL)

	_, err := p.Synthesize(context.Background(), Request{Text: "x"})
	var re *RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusTooManyRequests, re.StatusCode)
	assert.Equal(t, 7, int(re.RetryAfter.Seconds()))
}

func TestSynthesizeMismatchedAlignment(t *testing.T) {
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"audio_base64": base64.StdEncoding.EncodeToString([]byte("x")),
			"alignment": map[string]any{
				"characters":                    []string{"a", "b"},
				"character_start_times_seconds": []float64{0},
				"character_end_times_seconds":   []float64{0.1, 0.2},
			},
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})
	p.httpClient.Transport = rewriteHost(srv.URL)

	_, err := p.Synthesize(context.Background(), Request{Text: "ab", WithTimestamps: true})
	assert.ErrorContains(t, err, "alignment arrays disagree")
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errors.New("bad input")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetrySucceedsAfterTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &RetryableError{StatusCode: 503}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
