package mainboilerplate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestReadinessHandler(t *testing.T) {
	var ready Readiness

	var w = httptest.NewRecorder()
	ready.ServeHTTP(w, httptest.NewRequest("GET", "/debug/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready.MarkReady(true)
	w = httptest.NewRecorder()
	ready.ServeHTTP(w, httptest.NewRequest("GET", "/debug/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMustPanicsOnError(t *testing.T) {
	require.NotPanics(t, func() { Must(nil, "not reached") })
	require.Panics(t, func() { Must(errors.New("whoops"), "failed", "key", "value") })
}

func TestConfigPrefixes(t *testing.T) {
	t.Setenv("HOME", "/home/user")
	t.Setenv("UserProfile", "")
	t.Setenv("PGNVAULT_CONFIG_ROOT", "/etc/pgnvault")

	require.Equal(t, []string{".", "/home/user/.config/pgnvault", "/etc/pgnvault"}, configPrefixes())
}
