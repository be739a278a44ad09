// Package vacancy checks carrier-reported vacancy through the postal
// address API. Quota is per credential, so the checker spreads work across
// multiple accounts and treats throttles as transient: a throttled parcel
// stays uncommitted and is retried on a later run.
package vacancy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/distress.report/internal/httputil"
	"github.com/banshee-data/distress.report/internal/monitoring"
)

const (
	// ProdBaseURL and TestBaseURL are the production and test-environment
	// API roots. The test mirror validates request shape without spending
	// quota.
	ProdBaseURL = "https://apis.usps.com"
	TestBaseURL = "https://apis-tem.usps.com"

	tokenPath   = "/oauth2/v3/token"
	addressPath = "/addresses/v3/address"

	// tokenSlack refreshes tokens early so an in-flight request never
	// carries one about to expire.
	tokenSlack = 60 * time.Second
)

// Error codes recorded on failed checks. Transient codes leave the parcel
// unchecked; permanent ones are committed with the error.
const (
	ErrRateLimited     = "rate_limited"
	ErrAddressNotFound = "address_not_found"
	ErrAuth            = "auth_failed"
)

// IsTransient reports whether an error code should leave the check date
// unset so the parcel is retried later.
func IsTransient(code string) bool {
	switch code {
	case ErrRateLimited, "http_500", "http_502", "http_503", "http_504":
		return true
	}
	return false
}

// Credentials is one OAuth client for the postal API.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Account wraps one credential with its cached bearer token.
type Account struct {
	Index   int
	BaseURL string
	Creds   Credentials
	HTTP    httputil.HTTPClient

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAccount builds an account against the production API.
func NewAccount(index int, creds Credentials, h httputil.HTTPClient) *Account {
	if h == nil {
		h = httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &Account{Index: index, BaseURL: ProdBaseURL, Creds: creds, HTTP: h}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// bearer returns a valid token, refreshing through the client credentials
// grant when the cached one is missing or near expiry.
func (a *Account) bearer() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Until(a.expires) > tokenSlack {
		return a.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"client_id":     a.Creds.ClientID,
		"client_secret": a.Creds.ClientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", err
	}
	resp, err := a.HTTP.Post(a.BaseURL+tokenPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("vacancy token: %w", err)
	}
	defer resp.Body.Close()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("vacancy token decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		return "", fmt.Errorf("vacancy token: status %d (%s)", resp.StatusCode, tok.Error)
	}

	a.token = tok.AccessToken
	a.expires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	monitoring.Logf("vacancy: account %d token refreshed, expires in %ds", a.Index, tok.ExpiresIn)
	return a.token, nil
}

// Result is one completed (or failed) vacancy check.
type Result struct {
	Vacant          *bool  `json:"vacant"`
	DPVConfirmed    *bool  `json:"dpv_confirmed"`
	Business        *bool  `json:"business"`
	MatchedAddress  string `json:"matched_address,omitempty"`
	MatchedCity     string `json:"matched_city,omitempty"`
	MatchedState    string `json:"matched_state,omitempty"`
	MatchedZip      string `json:"matched_zip,omitempty"`
	MatchedZip4     string `json:"matched_zip4,omitempty"`
	CarrierRoute    string `json:"carrier_route,omitempty"`
	AddressMismatch bool   `json:"address_mismatch,omitempty"`
	ErrCode         string `json:"error,omitempty"`
	RetryAfter      time.Duration
}

type addressResponse struct {
	Address struct {
		StreetAddress string `json:"streetAddress"`
		City          string `json:"city"`
		State         string `json:"state"`
		ZIPCode       string `json:"ZIPCode"`
		ZIPPlus4      string `json:"ZIPPlus4"`
	} `json:"address"`
	AdditionalInfo struct {
		DPVConfirmation string `json:"DPVConfirmation"`
		Vacant          string `json:"vacant"`
		Business        string `json:"business"`
		CarrierRoute    string `json:"carrierRoute"`
	} `json:"additionalInfo"`
}

func yn(v string) *bool {
	switch strings.ToUpper(v) {
	case "Y":
		b := true
		return &b
	case "N":
		b := false
		return &b
	}
	return nil
}

// Check queries one address. Failures come back as a Result with ErrCode
// set rather than an error: the caller decides commit-vs-retry from the
// code.
func (a *Account) Check(street, city, state, zip string) Result {
	token, err := a.bearer()
	if err != nil {
		monitoring.Logf("vacancy: account %d auth failed: %v", a.Index, err)
		return Result{ErrCode: ErrAuth}
	}

	q := url.Values{}
	q.Set("streetAddress", street)
	q.Set("city", city)
	q.Set("state", state)
	if zip != "" {
		q.Set("ZIPCode", zip)
	}
	req, err := http.NewRequest(http.MethodGet, a.BaseURL+addressPath+"?"+q.Encode(), nil)
	if err != nil {
		return Result{ErrCode: "bad_request"}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return Result{ErrCode: "http_transport"}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{ErrCode: ErrRateLimited, RetryAfter: httputil.RetryAfter(resp.Header)}
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return Result{ErrCode: ErrAddressNotFound}
	case resp.StatusCode == http.StatusUnauthorized:
		// Token may have been revoked; drop it so the next call refreshes.
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		return Result{ErrCode: ErrAuth}
	default:
		return Result{ErrCode: fmt.Sprintf("http_%d", resp.StatusCode)}
	}

	var out addressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{ErrCode: "decode_failure"}
	}

	res := Result{
		Vacant:         yn(out.AdditionalInfo.Vacant),
		DPVConfirmed:   yn(out.AdditionalInfo.DPVConfirmation),
		Business:       yn(out.AdditionalInfo.Business),
		MatchedAddress: out.Address.StreetAddress,
		MatchedCity:    out.Address.City,
		MatchedState:   out.Address.State,
		MatchedZip:     out.Address.ZIPCode,
		MatchedZip4:    out.Address.ZIPPlus4,
		CarrierRoute:   out.AdditionalInfo.CarrierRoute,
	}
	res.AddressMismatch = DetectMismatch(street, res.MatchedAddress)
	return res
}

// UseTestEnvironment points the account at the quota-free mirror.
func (a *Account) UseTestEnvironment() {
	a.BaseURL = TestBaseURL
}
