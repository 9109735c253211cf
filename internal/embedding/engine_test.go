package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineDisabled(t *testing.T) {
	eng, err := NewEngine(Config{Provider: ""})
	require.NoError(t, err)
	assert.Nil(t, eng)
}

func TestNewEngineUnsupported(t *testing.T) {
	_, err := NewEngine(Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestOllamaEngineEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)

		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)

	vec, err := eng.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "missing")
	require.NoError(t, err)

	_, err = eng.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestGenAIEngineRequiresKey(t *testing.T) {
	_, err := NewGenAIEngine("", "")
	assert.Error(t, err)
}
