package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func handle(t *testing.T, method string, data interface{}, err error) (int, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)

	Handle(c, data, err)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHandle_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", types.ErrInvalidBetAmount, http.StatusBadRequest, "INVALID_BET_AMOUNT"},
		{"authorization", types.ErrNotOwner, http.StatusForbidden, "NOT_OWNER"},
		{"not found", types.ErrMarketNotFound, http.StatusNotFound, "MARKET_NOT_FOUND"},
		{"state", types.ErrBettingEnded, http.StatusConflict, "BETTING_ENDED"},
		{"protocol", types.ErrAttestationFailed, http.StatusUnprocessableEntity, "ATTESTATION_FAILED"},
		{"arithmetic", types.ErrOverflow, http.StatusInternalServerError, "OVERFLOW"},
		{"wrapped", fmt.Errorf("placing bet: %w", types.ErrInvalidRequestID), http.StatusBadRequest, "INVALID_REQUEST_ID"},
		{"aborted wins", types.Aborted(types.ErrOutOfOrder), http.StatusUnprocessableEntity, "COMPUTATION_ABORTED"},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"untyped", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := handle(t, http.MethodGet, nil, tt.err)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandle_UntypedErrorHidesDetails(t *testing.T) {
	_, resp := handle(t, http.MethodGet, nil, errors.New("dsn=secret"))
	assert.NotContains(t, resp.Error.Message, "secret")
}

func TestHandle_Success(t *testing.T) {
	status, resp := handle(t, http.MethodGet, map[string]int{"n": 1}, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	status, _ = handle(t, http.MethodPost, nil, nil)
	assert.Equal(t, http.StatusCreated, status)
}
