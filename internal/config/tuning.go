package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the scoring and pass-orchestration parameters. All
// fields are pointers so a partial JSON file only overrides what it names;
// the Get* accessors carry the defaults.
type TuningConfig struct {
	// Flag evaluator thresholds
	OvergrowthStrongNDVI   *float64 `json:"overgrowth_strong_ndvi,omitempty"`
	OvergrowthModerateNDVI *float64 `json:"overgrowth_moderate_ndvi,omitempty"`
	OvergrowthDeltaMin     *float64 `json:"overgrowth_delta_min,omitempty"`
	NeglectLowNDVI         *float64 `json:"neglect_low_ndvi,omitempty"`
	NeglectHighNDVI        *float64 `json:"neglect_high_ndvi,omitempty"`
	StructuralDropMin      *float64 `json:"structural_drop_min,omitempty"`
	AgreementBoost         *float64 `json:"agreement_boost,omitempty"`

	// Composite blend weights
	SlopeWeight *float64 `json:"slope_weight,omitempty"`
	FloodWeight *float64 `json:"flood_weight,omitempty"`

	// Pass orchestration
	Pass1Workers        *int     `json:"pass1_workers,omitempty"`
	FlushEvery          *int     `json:"flush_every,omitempty"`
	SentinelRatePerMin  *int     `json:"sentinel_rate_per_min,omitempty"`
	SentinelMonths      *int     `json:"sentinel_months,omitempty"`
	VacancyMinComposite *float64 `json:"vacancy_min_composite,omitempty"`
	VacancyCacheDays    *int     `json:"vacancy_cache_days,omitempty"`
	HighResCooldown     *string  `json:"highres_cooldown,omitempty"` // duration string like "1440h"

	// Historical slope
	HistoricalYears []int `json:"historical_years,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.SlopeWeight != nil && (*c.SlopeWeight < 0 || *c.SlopeWeight > 1) {
		return fmt.Errorf("slope_weight must be between 0 and 1, got %f", *c.SlopeWeight)
	}
	if c.FloodWeight != nil && (*c.FloodWeight < 0 || *c.FloodWeight > 1) {
		return fmt.Errorf("flood_weight must be between 0 and 1, got %f", *c.FloodWeight)
	}
	if c.SlopeWeight != nil && c.FloodWeight != nil {
		if sum := *c.SlopeWeight + *c.FloodWeight; sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("slope_weight + flood_weight must equal 1, got %f", sum)
		}
	}
	if c.Pass1Workers != nil && *c.Pass1Workers < 1 {
		return fmt.Errorf("pass1_workers must be positive, got %d", *c.Pass1Workers)
	}
	if c.FlushEvery != nil && *c.FlushEvery < 1 {
		return fmt.Errorf("flush_every must be positive, got %d", *c.FlushEvery)
	}
	if c.SentinelRatePerMin != nil && (*c.SentinelRatePerMin < 1 || *c.SentinelRatePerMin > 300) {
		return fmt.Errorf("sentinel_rate_per_min must be in [1,300], got %d", *c.SentinelRatePerMin)
	}
	if c.VacancyMinComposite != nil && (*c.VacancyMinComposite < 0 || *c.VacancyMinComposite > 10) {
		return fmt.Errorf("vacancy_min_composite must be in [0,10], got %f", *c.VacancyMinComposite)
	}
	if c.HighResCooldown != nil && *c.HighResCooldown != "" {
		if _, err := time.ParseDuration(*c.HighResCooldown); err != nil {
			return fmt.Errorf("invalid highres_cooldown '%s': %w", *c.HighResCooldown, err)
		}
	}
	return nil
}

// GetOvergrowthStrongNDVI returns the strong-tier overgrowth threshold.
func (c *TuningConfig) GetOvergrowthStrongNDVI() float64 {
	if c.OvergrowthStrongNDVI == nil {
		return 0.65
	}
	return *c.OvergrowthStrongNDVI
}

// GetOvergrowthModerateNDVI returns the moderate-tier overgrowth threshold.
func (c *TuningConfig) GetOvergrowthModerateNDVI() float64 {
	if c.OvergrowthModerateNDVI == nil {
		return 0.50
	}
	return *c.OvergrowthModerateNDVI
}

// GetOvergrowthDeltaMin returns the historical delta needed for the
// moderate overgrowth tier.
func (c *TuningConfig) GetOvergrowthDeltaMin() float64 {
	if c.OvergrowthDeltaMin == nil {
		return 0.15
	}
	return *c.OvergrowthDeltaMin
}

// GetNeglectLowNDVI returns the lower bound of the neglect band.
func (c *TuningConfig) GetNeglectLowNDVI() float64 {
	if c.NeglectLowNDVI == nil {
		return 0.10
	}
	return *c.NeglectLowNDVI
}

// GetNeglectHighNDVI returns the upper bound of the neglect band.
func (c *TuningConfig) GetNeglectHighNDVI() float64 {
	if c.NeglectHighNDVI == nil {
		return 0.30
	}
	return *c.NeglectHighNDVI
}

// GetStructuralDropMin returns the NDVI drop that flags structural change.
func (c *TuningConfig) GetStructuralDropMin() float64 {
	if c.StructuralDropMin == nil {
		return 0.20
	}
	return *c.StructuralDropMin
}

// GetAgreementBoost returns the additive confidence boost applied when
// aerial and satellite sources agree.
func (c *TuningConfig) GetAgreementBoost() float64 {
	if c.AgreementBoost == nil {
		return 0.2
	}
	return *c.AgreementBoost
}

// GetSlopeWeight returns the composite weight for the slope percentile.
func (c *TuningConfig) GetSlopeWeight() float64 {
	if c.SlopeWeight == nil {
		return 0.70
	}
	return *c.SlopeWeight
}

// GetFloodWeight returns the composite weight for normalized flood risk.
func (c *TuningConfig) GetFloodWeight() float64 {
	if c.FloodWeight == nil {
		return 0.30
	}
	return *c.FloodWeight
}

// GetPass1Workers returns the bulk scan fan-out width.
func (c *TuningConfig) GetPass1Workers() int {
	if c.Pass1Workers == nil {
		return 10
	}
	return *c.Pass1Workers
}

// GetFlushEvery returns the batch size for database flushes.
func (c *TuningConfig) GetFlushEvery() int {
	if c.FlushEvery == nil {
		return 100
	}
	return *c.FlushEvery
}

// GetSentinelRatePerMin returns the satellite enrichment rate target.
func (c *TuningConfig) GetSentinelRatePerMin() int {
	if c.SentinelRatePerMin == nil {
		return 40
	}
	return *c.SentinelRatePerMin
}

// GetSentinelMonths returns the satellite lookback window.
func (c *TuningConfig) GetSentinelMonths() int {
	if c.SentinelMonths == nil {
		return 12
	}
	return *c.SentinelMonths
}

// GetVacancyMinComposite returns the composite cutoff for vacancy checks.
func (c *TuningConfig) GetVacancyMinComposite() float64 {
	if c.VacancyMinComposite == nil {
		return 7.5
	}
	return *c.VacancyMinComposite
}

// GetVacancyCacheDays returns how long a vacancy check stays fresh.
func (c *TuningConfig) GetVacancyCacheDays() int {
	if c.VacancyCacheDays == nil {
		return 60
	}
	return *c.VacancyCacheDays
}

// GetHighResCooldown returns the re-run guard window for high-res searches.
func (c *TuningConfig) GetHighResCooldown() time.Duration {
	if c.HighResCooldown == nil || *c.HighResCooldown == "" {
		return 60 * 24 * time.Hour
	}
	d, err := time.ParseDuration(*c.HighResCooldown)
	if err != nil {
		return 60 * 24 * time.Hour
	}
	return d
}

// GetHistoricalYears returns the aerial vintages queried for slope
// regression, most recent first.
func (c *TuningConfig) GetHistoricalYears() []int {
	if len(c.HistoricalYears) == 0 {
		return []int{2022, 2020, 2018, 2016, 2014, 2012}
	}
	return c.HistoricalYears
}
