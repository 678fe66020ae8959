package persona

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
)

func TestListModes(t *testing.T) {
	r := chi.NewRouter()
	New(persona.NewMemoryStore(persona.Seed())).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/modes", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Modes   []persona.Persona `json:"modes"`
		Default string            `json:"default"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ask", body.Default)
	require.Len(t, body.Modes, len(persona.Seed()))
	assert.NotEmpty(t, body.Modes[0].Instructions)
}
