// SPDX-License-Identifier: MIT
package exttool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, NewHTTPFormatter("", time.Second))
	assert.Nil(t, NewHTTPSummarizer("", time.Second))
}

func TestFormatterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "raw text", req["text"])
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "Formatted text."})
	}))
	defer srv.Close()

	f := NewHTTPFormatter(srv.URL, time.Second)
	out, err := f.Format(context.Background(), "raw text")
	require.NoError(t, err)
	assert.Equal(t, "Formatted text.", out)
}

func TestFormatterRejectsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": ""})
	}))
	defer srv.Close()

	f := NewHTTPFormatter(srv.URL, time.Second)
	_, err := f.Format(context.Background(), "raw")
	assert.Error(t, err)
}

func TestFormatterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFormatter(srv.URL, time.Second)
	_, err := f.Format(context.Background(), "raw")
	assert.Error(t, err)
}

func TestSummarizerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"summary": "a short recap"})
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(srv.URL, time.Second)
	out, err := s.Summarize(context.Background(), "long text")
	require.NoError(t, err)
	assert.Equal(t, "a short recap", out)
}
