package command

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/server"
)

func TestPostCommand(t *testing.T) {
	var got server.CommandRequest
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cmd", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"device 3 is up","code":16}`))
	}))
	defer hs.Close()

	req := server.CommandRequest{Prefix: "device destroy", Args: server.Args{"id": 3}, Token: "t1"}
	status, body, err := postCommand(strings.TrimPrefix(hs.URL, "http://"), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "device destroy", got.Prefix)
	assert.Equal(t, "t1", got.Token)
	assert.Equal(t, float64(3), got.Args["id"])

	var out bytes.Buffer
	require.NoError(t, jsonIndent(&out, body))
	assert.Contains(t, out.String(), "\n  \"code\": 16")
}

func TestPostCommandUnreachable(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	addr := hs.URL
	hs.Close()

	_, _, err := postCommand(addr, server.CommandRequest{Prefix: "status"}, time.Second)
	assert.ErrorContains(t, err, "post status")
}
