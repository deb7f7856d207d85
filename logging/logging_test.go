package logging_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/logging"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() { log.SetLevel(log.InfoLevel) })

	require.NoError(t, logging.Setup("debug", "text"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	assert.Error(t, logging.Setup("loud", "json"))
	assert.Error(t, logging.Setup("info", "xml"))
}

func TestRequestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(logger))
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, log.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, http.StatusOK, hook.LastEntry().Data["status"])
	assert.NotEmpty(t, hook.LastEntry().Data["request_id"])

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "/missing", hook.LastEntry().Data["path"])
}
