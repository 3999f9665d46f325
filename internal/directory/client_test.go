package directory_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/directory"
	"github.com/mvera/fedgate/internal/domain/accounting"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
	"github.com/mvera/fedgate/pkg/common/timeutil"
)

func newTestClient(t *testing.T, handler http.Handler) *directory.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := &timeutil.Mock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return directory.NewClient(directory.Config{
		Host:    srv.URL,
		Timeout: 2 * time.Second,
	}, "agid-local", priv, clock, logger.Noop())
}

func envelope(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"error":   false,
		"message": json.RawMessage(raw),
	}))
}

func TestGetItemRoster(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items/thermostat/roster", r.URL.Path)
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "Bearer "), "requests must carry a bearer token")
		envelope(t, w, []map[string]string{
			{"oid": "app", "address": "app", "subscription": "both"},
		})
	}))

	items, err := client.GetItemRoster(context.Background(), "thermostat")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "app", items[0].Oid)
	assert.Equal(t, "app", string(items[0].Address))
}

func TestPostRecordsSendsBatch(t *testing.T) {
	var got struct {
		Agid    string              `json:"agid"`
		Records []accounting.Record `json:"records"`
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/counters", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		envelope(t, w, map[string]string{})
	}))

	records := []accounting.Record{{RequestID: 1, SourceOid: "alice", DestOid: "bob", StatusCode: accounting.StatusOK}}
	require.NoError(t, client.PostRecords(context.Background(), records))
	assert.Equal(t, "agid-local", got.Agid)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "alice", got.Records[0].SourceOid)
}

func TestErrorEnvelopeBecomesStatusError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":            true,
			"statusCode":       404,
			"statusCodeReason": "item not found",
		})
	}))

	_, err := client.GetAgidByOid(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, shared.StatusNotFound, shared.StatusOf(err))
	assert.Contains(t, err.Error(), "item not found")
}

func TestGetPubkey(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateways/agid-remote/pubkey", r.URL.Path)
		envelope(t, w, map[string]string{"pubkey": "-----BEGIN PUBLIC KEY-----"})
	}))

	pubkey, err := client.GetPubkey(context.Background(), "agid-remote")
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----", pubkey)
}

func TestDirectoryUnreachable(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	client := directory.NewClient(directory.Config{
		Host:    "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	}, "agid-local", priv, timeutil.Default(), logger.Noop())

	err = client.PostRecords(context.Background(), nil)
	assert.Equal(t, shared.StatusServiceUnavailable, shared.StatusOf(err))
}
