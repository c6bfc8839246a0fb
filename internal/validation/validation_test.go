package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount  = "GBJFQJT2YIS4V5RGXIOH7RBF32P2H4F2Y4GDEEOJGAW656EDUNWB7JU2"
	testContract = "CCGVXFVS32BV5QHFYULPXWB7QX3OEK5OKPBG7TQY2KJFRXUIW4WUFO7Y"
	testSeed     = "SAZIAE7QNJKU7ZWNU2BOHW7LWCNJTWZ6TTV4TEYY5RDNHVAB3JXC77YK"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind AddressKind
		wantErr  string
	}{
		{"account", testAccount, KindAccount, ""},
		{"contract", testContract, KindContract, ""},
		{"lowercase and padded", "  " + strings.ToLower(testAccount) + " ", KindAccount, ""},
		{"empty", "", "", "must be 56 characters"},
		{"too short", testAccount[:55], "", "must be 56 characters"},
		{"bad checksum", testAccount[:55] + "3", "", "invalid address"},
		{"seed is not an address", testSeed, "", "must start with G or C"},
		{"ethereum", "0x1234567890123456789012345678901234567890", "", "must be 56 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, kind, err := ParseAddress(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAddress)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Len(t, addr, AddressLength)
		})
	}
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, IsValidAccount(testAccount))
	assert.False(t, IsValidAccount(testContract))
	assert.True(t, IsValidContract(testContract))
	assert.False(t, IsValidContract(testAccount))
	assert.True(t, IsValidSeed(testSeed))
	assert.False(t, IsValidSeed(testAccount))
}

func TestValidate_Collects(t *testing.T) {
	errs := Validate(
		Required("contract_id", ""),
		ValidContract("contract_id", testAccount),
		ValidSeed("signer_secret", ""),
		OneOf("method", "set_tier", "set_risk_tier", "set_score"),
		Positive("window", 0),
	)
	require.Len(t, errs, 4)
	assert.Equal(t, "contract_id: is required", errs.Error())
	assert.Equal(t, "method", errs[2].Field)
	assert.Equal(t, "window", errs[3].Field)
}

func TestAddressParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/a/:address", AddressParam("address"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"address": c.GetString("address"), "kind": c.MustGet("address_kind")})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a/"+strings.ToLower(testContract), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), testContract)
	assert.Contains(t, w.Body.String(), `"kind":"contract"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a/nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"score": 12345678}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
