package profileclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMeetsActivationPreconditions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/providers/complete/activation":
			w.Write([]byte(`{"provider_id":"complete","profile_completeness":90,"verification_status":"approved"}`))
		case "/api/providers/unverified/activation":
			w.Write([]byte(`{"provider_id":"unverified","profile_completeness":100,"verification_status":"pending"}`))
		case "/api/providers/sparse/activation":
			w.Write([]byte(`{"provider_id":"sparse","profile_completeness":40,"verification_status":"approved"}`))
		case "/api/providers/broken/activation":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewProfileClient(srv.URL, 80, time.Second)
	ctx := context.Background()

	ok, err := client.MeetsActivationPreconditions(ctx, "complete")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.MeetsActivationPreconditions(ctx, "unverified")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = client.MeetsActivationPreconditions(ctx, "sparse")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = client.MeetsActivationPreconditions(ctx, "unknown")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = client.MeetsActivationPreconditions(ctx, "broken")
	require.Error(t, err)
}
