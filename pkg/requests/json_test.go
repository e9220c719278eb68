package requests

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type echo struct {
	Method string `json:"method"`
	Body   string `json:"body"`
}

func TestRequestJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "No such room", http.StatusNotFound)
			return
		}
		if r.URL.Path == "/garbage" {
			w.Write([]byte("<html>"))
			return
		}
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&echo{Method: r.Method, Body: string(b)})
	}))
	defer srv.Close()

	r, err := RequestJSON[echo](context.Background(), "GET", srv.URL+"/x", nil)
	require.NoError(t, err)
	require.Equal(t, "GET", r.Method)
	require.Equal(t, "", r.Body)

	r, err = RequestJSON[echo](context.Background(), "POST", srv.URL+"/x", map[string]int{"a": 1})
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, r.Body)

	_, err = RequestJSON[echo](context.Background(), "GET", srv.URL+"/missing", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, "No such room", statusErr.Body)

	_, err = RequestJSON[echo](context.Background(), "GET", srv.URL+"/garbage", nil)
	require.ErrorContains(t, err, "Invalid response")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RequestJSON[echo](ctx, "GET", srv.URL+"/x", nil)
	require.ErrorIs(t, err, context.Canceled)
}
