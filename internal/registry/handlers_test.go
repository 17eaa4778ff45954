package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(newTestService())

	r := gin.New()
	// Test stand-in for auth middleware: the X-Account-Address header becomes
	// the authenticated caller.
	r.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Account-Address"); addr != "" {
			c.Set("authAccountAddr", addr)
		}
		c.Next()
	})
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)

	return r
}

func doRequest(router *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Account-Address", caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type offerResponse struct {
	Offer Offer `json:"offer"`
}

type offerListResponse struct {
	Offers     []Offer `json:"offers"`
	Count      int     `json:"count"`
	NextCursor string  `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

func TestHandler_PublishAndGetOffer(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, "POST", "/v1/offers", testProvider, UpsertRequest{
		Label:        "Inference API",
		PricePerUnit: "0.005",
		MaxUnits:     50000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Inference API", created.Offer.Label)
	assert.Equal(t, testProviderLower, created.Offer.Provider)
	assert.True(t, created.Offer.Active)

	w = doRequest(router, "GET", "/v1/offers/"+created.Offer.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.Offer.ID, got.Offer.ID)
}

func TestHandler_PublishRejectsInvalidBody(t *testing.T) {
	router := setupTestRouter()

	// Missing required fields fails binding.
	w := doRequest(router, "POST", "/v1/offers", testProvider, map[string]any{
		"description": "no label or price",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Binding passes but domain validation fails.
	w = doRequest(router, "POST", "/v1/offers", testProvider, UpsertRequest{
		Label:        "bad price",
		PricePerUnit: "not-a-number",
		MaxUnits:     100,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_offer")
}

func TestHandler_UpdateOffer(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, "POST", "/v1/offers", testProvider, UpsertRequest{
		Label:        "v1",
		PricePerUnit: "0.01",
		MaxUnits:     100,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(router, "PUT", "/v1/offers/"+created.Offer.ID, testProvider, UpsertRequest{
		Label:        "v2",
		PricePerUnit: "0.02",
		MaxUnits:     200,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "v2", updated.Offer.Label)

	// Another account cannot update it.
	w = doRequest(router, "PUT", "/v1/offers/"+created.Offer.ID, otherProvider, UpsertRequest{
		Label:        "stolen",
		PricePerUnit: "0.01",
		MaxUnits:     100,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_RetireOffer(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, "POST", "/v1/offers", testProvider, UpsertRequest{
		Label:        "short lived",
		PricePerUnit: "0.01",
		MaxUnits:     100,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(router, "DELETE", "/v1/offers/"+created.Offer.ID, testProvider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var retired offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &retired))
	assert.False(t, retired.Offer.Active)

	// Retired offers drop out of the default listing but stay readable.
	w = doRequest(router, "GET", "/v1/offers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list offerListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Count)

	w = doRequest(router, "GET", "/v1/offers/"+created.Offer.ID, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_GetMissingOffer(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, "GET", "/v1/offers/off_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestHandler_ListOffersPagination(t *testing.T) {
	router := setupTestRouter()

	for i := 0; i < 5; i++ {
		w := doRequest(router, "POST", "/v1/offers", testProvider, UpsertRequest{
			Label:        fmt.Sprintf("offer %d", i),
			PricePerUnit: "0.01",
			MaxUnits:     100,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doRequest(router, "GET", "/v1/offers?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page1 offerListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	assert.Equal(t, 2, page1.Count)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextCursor)

	w = doRequest(router, "GET", "/v1/offers?limit=2&cursor="+page1.NextCursor, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page2 offerListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Equal(t, 2, page2.Count)
	assert.True(t, page2.HasMore)

	// No item should appear on both pages.
	seen := map[string]bool{}
	for _, o := range page1.Offers {
		seen[o.ID] = true
	}
	for _, o := range page2.Offers {
		assert.False(t, seen[o.ID], "offer %s appeared on two pages", o.ID)
	}

	w = doRequest(router, "GET", "/v1/offers?limit=2&cursor=garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandler_ListOffersProviderFilter(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, "POST", "/v1/offers", testProvider, UpsertRequest{
		Label: "mine", PricePerUnit: "0.01", MaxUnits: 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doRequest(router, "POST", "/v1/offers", otherProvider, UpsertRequest{
		Label: "theirs", PricePerUnit: "0.01", MaxUnits: 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, "GET", "/v1/offers?provider="+testProvider, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list offerListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "mine", list.Offers[0].Label)
}
