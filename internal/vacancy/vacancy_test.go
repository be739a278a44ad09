package vacancy

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/distress.report/internal/httputil"
)

func TestSplitSitus(t *testing.T) {
	cases := []struct {
		in                  string
		street, city, state string
	}{
		{"9701 ALLISONWOOD CT CHARLOTTE NC", "9701 ALLISONWOOD CT", "CHARLOTTE", "NC"},
		{"123 MAIN ST INDIAN TRAIL NC", "123 MAIN ST", "INDIAN TRAIL", "NC"},
		{"455 OLD STATESVILLE RD HUNTERSVILLE NC", "455 OLD STATESVILLE RD", "HUNTERSVILLE", "NC"},
		{"12 PINE BLVD W MATTHEWS NC", "12 PINE BLVD W", "MATTHEWS", "NC"},
		// No recognizable suffix: last pre-state token becomes the city.
		{"800 BRIARWOOD CHARLOTTE NC", "800 BRIARWOOD", "CHARLOTTE", "NC"},
		{"100 OAK ST", "100 OAK ST", "", ""},
	}
	for _, tc := range cases {
		street, city, state := SplitSitus(tc.in)
		assert.Equal(t, tc.street, street, tc.in)
		assert.Equal(t, tc.city, city, tc.in)
		assert.Equal(t, tc.state, state, tc.in)
	}
}

func TestDetectMismatch(t *testing.T) {
	assert.False(t, DetectMismatch("123 MAIN ST", "123 MAIN ST"))
	assert.False(t, DetectMismatch("123 Main Street", "123 MAIN ST"), "abbreviation folding")
	assert.True(t, DetectMismatch("123 MAIN ST", "125 MAIN ST"), "house number")
	assert.True(t, DetectMismatch("123 MAIN ST", "123 OAK ST"), "street name")
	assert.False(t, DetectMismatch("123 MAIN ST", ""), "no standardized address")
	assert.False(t, DetectMismatch("123 N MAIN ST", "123 MAIN ST"), "directionals ignored")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient("http_503"))
	assert.False(t, IsTransient(ErrAddressNotFound))
	assert.False(t, IsTransient(""))
}

const tokenBody = `{"access_token": "tok-1", "expires_in": 3600}`

func TestAccountCheck(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, tokenBody)
	mock.AddResponse(200, `{
		"address": {"streetAddress": "9701 ALLISONWOOD CT", "city": "CHARLOTTE", "state": "NC", "ZIPCode": "28215", "ZIPPlus4": "1703"},
		"additionalInfo": {"DPVConfirmation": "Y", "vacant": "Y", "business": "N", "carrierRoute": "C012"}
	}`)

	a := NewAccount(1, Credentials{ClientID: "id", ClientSecret: "secret"}, mock)
	res := a.Check("9701 ALLISONWOOD CT", "CHARLOTTE", "NC", "")
	require.Empty(t, res.ErrCode)
	require.NotNil(t, res.Vacant)
	assert.True(t, *res.Vacant)
	require.NotNil(t, res.DPVConfirmed)
	assert.True(t, *res.DPVConfirmed)
	require.NotNil(t, res.Business)
	assert.False(t, *res.Business)
	assert.Equal(t, "9701 ALLISONWOOD CT", res.MatchedAddress)
	assert.Equal(t, "28215", res.MatchedZip)
	assert.Equal(t, "1703", res.MatchedZip4)
	assert.Equal(t, "C012", res.CarrierRoute)
	assert.False(t, res.AddressMismatch)

	// Second call reuses the cached token.
	mock.AddResponse(200, `{"address": {}, "additionalInfo": {"vacant": "N"}}`)
	res = a.Check("100 OAK ST", "CHARLOTTE", "NC", "")
	require.NotNil(t, res.Vacant)
	assert.False(t, *res.Vacant)
	assert.Equal(t, 3, mock.RequestCount(), "one token request total")

	addrReq := mock.GetRequest(1)
	require.NotNil(t, addrReq)
	assert.Equal(t, "Bearer tok-1", addrReq.Header.Get("Authorization"))
	assert.Equal(t, "9701 ALLISONWOOD CT", addrReq.URL.Query().Get("streetAddress"))
}

func TestAccountCheckRateLimited(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, tokenBody)
	mock.Responses = append(mock.Responses, &httputil.MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    http.Header{"Retry-After": []string{"300"}},
	})

	a := NewAccount(1, Credentials{}, mock)
	res := a.Check("123 MAIN ST", "CHARLOTTE", "NC", "")
	assert.Equal(t, ErrRateLimited, res.ErrCode)
	assert.Equal(t, 300*time.Second, res.RetryAfter)
	assert.True(t, IsTransient(res.ErrCode))
}

func TestAccountCheckNotFound(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, tokenBody)
	mock.AddResponse(404, `{"error": {"message": "Address Not Found"}}`)

	res := NewAccount(1, Credentials{}, mock).Check("1 NOWHERE LN", "CHARLOTTE", "NC", "")
	assert.Equal(t, ErrAddressNotFound, res.ErrCode)
	assert.False(t, IsTransient(res.ErrCode))
}

func TestAccountMismatchDetection(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, tokenBody)
	mock.AddResponse(200, `{
		"address": {"streetAddress": "125 MAIN ST", "city": "CHARLOTTE", "state": "NC"},
		"additionalInfo": {"DPVConfirmation": "Y", "vacant": "Y"}
	}`)

	res := NewAccount(1, Credentials{}, mock).Check("123 MAIN ST", "CHARLOTTE", "NC", "")
	assert.True(t, res.AddressMismatch)
}

func TestCheckerJitterBounds(t *testing.T) {
	c := NewChecker(nil, 30*time.Second, 55*time.Second)
	for i := 0; i < 200; i++ {
		d := c.Jitter()
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 55*time.Second)
	}
}

func TestCheckerThrottleLadder(t *testing.T) {
	a := NewAccount(1, Credentials{}, httputil.NewMockHTTPClient())
	b := NewAccount(2, Credentials{}, httputil.NewMockHTTPClient())
	c := NewChecker([]*Account{a, b}, time.Second, 2*time.Second)

	got, wait := c.Acquire()
	require.NotNil(t, got)
	assert.Zero(t, wait)

	// First throttle pauses only the throttled account.
	assert.True(t, c.Report(a, Result{ErrCode: ErrRateLimited}))
	for i := 0; i < 4; i++ {
		got, wait = c.Acquire()
		require.NotNil(t, got)
		assert.Equal(t, 2, got.Index, "paused account is skipped")
	}

	// Pausing the second account too leaves nothing usable.
	assert.True(t, c.Report(b, Result{ErrCode: ErrRateLimited}))
	got, wait = c.Acquire()
	assert.Nil(t, got)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, throttleBase)
}

func TestCheckerRetryAfterWins(t *testing.T) {
	a := NewAccount(1, Credentials{}, httputil.NewMockHTTPClient())
	c := NewChecker([]*Account{a}, time.Second, 2*time.Second)

	c.Report(a, Result{ErrCode: ErrRateLimited, RetryAfter: 600 * time.Second})
	_, wait := c.Acquire()
	assert.Greater(t, wait, throttleBase, "service-provided pause beats the ladder")
}

func TestCheckerSuccessResetsStrikes(t *testing.T) {
	a := NewAccount(1, Credentials{}, httputil.NewMockHTTPClient())
	c := NewChecker([]*Account{a}, time.Second, 2*time.Second)

	c.Report(a, Result{ErrCode: ErrRateLimited})
	assert.False(t, c.Report(a, Result{}), "success is not a throttle")

	// The ladder restarts at the base after a success.
	c.accounts[0].pausedUntil = time.Time{}
	c.Report(a, Result{ErrCode: ErrRateLimited})
	wait := time.Until(c.accounts[0].pausedUntil)
	assert.LessOrEqual(t, wait, throttleBase)
	assert.Greater(t, wait, throttleBase-5*time.Second)
}

func TestResultEvidence(t *testing.T) {
	v, d := true, true
	ev := Result{Vacant: &v, DPVConfirmed: &d, CarrierRoute: "C012"}.Evidence()
	assert.Equal(t, true, ev["vacant"])
	assert.Equal(t, "C012", ev["carrier_route"])
	_, hasErr := ev["error"]
	assert.False(t, hasErr)
}

func TestUseTestEnvironment(t *testing.T) {
	a := NewAccount(1, Credentials{}, httputil.NewMockHTTPClient())
	a.UseTestEnvironment()
	assert.True(t, strings.Contains(a.BaseURL, "-tem"))
}
