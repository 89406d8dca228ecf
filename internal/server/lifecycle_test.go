package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagedServerLifecycle(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	m := NewManagedServer("api", DefaultServerConfig("127.0.0.1:0", handler, zap.NewNop()))
	assert.Nil(t, m.Addr())

	require.NoError(t, m.Start())
	require.NotNil(t, m.Addr())

	resp, err := http.Get("http://" + m.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	select {
	case err, ok := <-m.Err():
		assert.False(t, ok, "unexpected serve error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not exit")
	}
}

func TestManagedServerBindFailure(t *testing.T) {
	first := NewManagedServer("first", DefaultServerConfig("127.0.0.1:0", http.NotFoundHandler(), nil))
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	second := NewManagedServer("second", DefaultServerConfig(first.Addr().String(), http.NotFoundHandler(), nil))
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second failed to start")
	assert.NoError(t, second.Shutdown(context.Background()))
}
