package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/faults"
)

func TestTranslateBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req translateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "de", req.TargetLang)

		out := make([]string, len(req.Texts))
		for i, s := range req.Texts {
			out[i] = "DE:" + s
		}
		_ = json.NewEncoder(w).Encode(translateResponse{Texts: out})
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTranslator(srv.URL, 5*time.Second)
	got, err := tr.TranslateBatch(context.Background(), []string{"hello", "world"}, "de")
	require.NoError(t, err)
	assert.Equal(t, []string{"DE:hello", "DE:world"}, got)
}

func TestTranslateBatchSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(translateResponse{Texts: []string{"only one"}})
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTranslator(srv.URL, 5*time.Second)
	_, err := tr.TranslateBatch(context.Background(), []string{"a", "b"}, "de")
	assert.Equal(t, faults.CodeRemoteServer, faults.CodeOf(err))
}

func TestTranslateBatchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTranslator(srv.URL, 5*time.Second)
	_, err := tr.TranslateBatch(context.Background(), []string{"a"}, "fr")
	assert.Equal(t, faults.CodeRateLimit, faults.CodeOf(err))
}

func TestTranslateEmptyBatch(t *testing.T) {
	tr := NewHTTPTranslator("http://unused", time.Second)
	got, err := tr.TranslateBatch(context.Background(), nil, "de")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestNoopTranslator(t *testing.T) {
	got, err := NoopTranslator{}.TranslateBatch(context.Background(), []string{"x", "y"}, "any")
	assert.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got)
}
