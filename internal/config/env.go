package config

import (
	"fmt"
	"os"
	"strconv"
)

// Env holds process configuration read from the environment. Secrets stay
// here; scoring parameters live in TuningConfig.
type Env struct {
	DatabaseURL string

	// Satellite statistics (CDSE) OAuth client credentials.
	SatelliteClientID     string
	SatelliteClientSecret string

	// High-res imagery token.
	HighResAPIKey string

	// Carrier-vacancy accounts, keyed by numeric suffix. Account 1 reads
	// USPS_CLIENT_ID / USPS_CLIENT_SECRET, account N reads
	// USPS_CLIENT_ID_N / USPS_CLIENT_SECRET_N.
	VacancyAccounts map[int]VacancyCredentials

	VacancyDelayMinSec int
	VacancyDelayMaxSec int

	ArtifactDir       string
	ArtifactPublicURL string
	CacheDir          string
}

// VacancyCredentials is one carrier-vacancy API key pair.
type VacancyCredentials struct {
	ClientID     string
	ClientSecret string
}

// FromEnv reads the process environment. Only DATABASE_URL is required;
// missing upstream credentials disable the corresponding client.
func FromEnv() (*Env, error) {
	e := &Env{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SatelliteClientID:     os.Getenv("CDSE_CLIENT_ID"),
		SatelliteClientSecret: os.Getenv("CDSE_CLIENT_SECRET"),
		HighResAPIKey:         os.Getenv("PLANET_API_KEY"),
		VacancyAccounts:       map[int]VacancyCredentials{},
		VacancyDelayMinSec:    envInt("USPS_DELAY_MIN", 30),
		VacancyDelayMaxSec:    envInt("USPS_DELAY_MAX", 55),
		ArtifactDir:           envDefault("ARTIFACT_DIR", "data"),
		ArtifactPublicURL:     os.Getenv("ARTIFACT_PUBLIC_URL"),
		CacheDir:              envDefault("CACHE_DIR", "data/cache"),
	}

	if e.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	if e.VacancyDelayMinSec > e.VacancyDelayMaxSec {
		return nil, fmt.Errorf("USPS_DELAY_MIN (%d) exceeds USPS_DELAY_MAX (%d)",
			e.VacancyDelayMinSec, e.VacancyDelayMaxSec)
	}

	// Account 1 has no suffix; further accounts use _2, _3, ... Gaps are
	// allowed so a revoked account can stay in the env commented out.
	for n := 1; n <= 9; n++ {
		suffix := ""
		if n > 1 {
			suffix = "_" + strconv.Itoa(n)
		}
		id := os.Getenv("USPS_CLIENT_ID" + suffix)
		secret := os.Getenv("USPS_CLIENT_SECRET" + suffix)
		if id != "" && secret != "" {
			e.VacancyAccounts[n] = VacancyCredentials{ClientID: id, ClientSecret: secret}
		}
	}

	return e, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
