/*
tc2-bms-controller - Battery state of charge estimation for the BQ769x0
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package soc

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	// SupportedCellCount is the only cell count this variant of the monitor supports.
	SupportedCellCount = 4

	// ChemistryLiIonLiPo is the only supported chemistry.
	ChemistryLiIonLiPo = "liion_lipo"

	DefaultPollInterval            = 250 * time.Millisecond
	DefaultInitialSoCPercent       = 50.0
	DefaultConfidenceDecayPerCycle = 0.001
	DefaultMinBoardTempC           = -20.0
	DefaultMaxBoardTempC           = 60.0
)

// OCVSource selects which cell voltage is used as the open circuit voltage key.
type OCVSource string

const (
	OCVSourceMinCell OCVSource = "min_cell"
	OCVSourceAvgCell OCVSource = "avg_cell"
)

// OCVPoint is one entry of the open circuit voltage table.
type OCVPoint struct {
	MV  int     `mapstructure:"mv" json:"mv"`
	SoC float64 `mapstructure:"soc" json:"soc"`
}

// BalanceConfig is the optional cell balancing correction block.
type BalanceConfig struct {
	Enabled          bool    `mapstructure:"enabled" json:"enabled"`
	CurrentMAPerCell float64 `mapstructure:"balance_current_ma_per_cell" json:"balance_current_ma_per_cell"`
	Duty             float64 `mapstructure:"balance_duty" json:"balance_duty"`
}

// Config is the validated configuration record handed to the engine at start up.
// It is never modified after NewEngine.
type Config struct {
	CellCount      int           `mapstructure:"cell_count" json:"cell_count"`
	RSenseMilliohm int           `mapstructure:"rsense_milliohm" json:"rsense_milliohm"`
	CRC            bool          `mapstructure:"crc" json:"crc"`
	Address        uint8         `mapstructure:"address" json:"address"`
	Chemistry      string        `mapstructure:"chemistry" json:"chemistry"`
	PollInterval   time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	MaxSampleGap   time.Duration `mapstructure:"max_sample_gap" json:"max_sample_gap"`

	OCVTable  []OCVPoint `mapstructure:"ocv_table" json:"ocv_table"`
	OCVSource OCVSource  `mapstructure:"ocv_source" json:"ocv_source"`

	RestCurrentThresholdMA  float64 `mapstructure:"rest_current_threshold_ma" json:"rest_current_threshold_ma"`
	RestMinSeconds          float64 `mapstructure:"rest_min_seconds" json:"rest_min_seconds"`
	RestFullWeightSeconds   float64 `mapstructure:"rest_full_weight_seconds" json:"rest_full_weight_seconds"`
	RestDvDtThresholdMVPerS float64 `mapstructure:"rest_dvdt_threshold_mv_per_s" json:"rest_dvdt_threshold_mv_per_s"`

	FullCellMV              float64 `mapstructure:"full_cell_mv" json:"full_cell_mv"`
	FullHoldSeconds         float64 `mapstructure:"full_hold_seconds" json:"full_hold_seconds"`
	EmptyCellMV             float64 `mapstructure:"empty_cell_mv" json:"empty_cell_mv"`
	EmptyHoldSeconds        float64 `mapstructure:"empty_hold_seconds" json:"empty_hold_seconds"`
	EmptyDischargeCurrentMA float64 `mapstructure:"empty_discharge_current_ma" json:"empty_discharge_current_ma"`
	UseHWFaultAnchors       bool    `mapstructure:"use_hw_fault_anchors" json:"use_hw_fault_anchors"`

	CurrentPositiveIsDischarge bool    `mapstructure:"current_positive_is_discharge" json:"current_positive_is_discharge"`
	CoulombicEffDischarge      float64 `mapstructure:"coulombic_eff_discharge" json:"coulombic_eff_discharge"`
	CoulombicEffCharge         float64 `mapstructure:"coulombic_eff_charge" json:"coulombic_eff_charge"`
	LearnAlpha                 float64 `mapstructure:"learn_alpha" json:"learn_alpha"`

	DesignCapacityMAh       float64 `mapstructure:"design_capacity_mah" json:"design_capacity_mah"`
	InitialSoCPercent       float64 `mapstructure:"initial_soc_percent" json:"initial_soc_percent"`
	ConfidenceDecayPerCycle float64 `mapstructure:"confidence_decay_per_cycle" json:"confidence_decay_per_cycle"`

	MinBoardTempC float64 `mapstructure:"min_board_temp_c" json:"min_board_temp_c"`
	MaxBoardTempC float64 `mapstructure:"max_board_temp_c" json:"max_board_temp_c"`

	Balance *BalanceConfig `mapstructure:"balance_correction" json:"balance_correction,omitempty"`
}

// DefaultConfig returns a Config with every optional field populated.
// The required fields (OCV table, thresholds, capacity) still need to be set.
func DefaultConfig() Config {
	return Config{
		CellCount:                  SupportedCellCount,
		CRC:                        true,
		Address:                    0x08,
		Chemistry:                  ChemistryLiIonLiPo,
		PollInterval:               DefaultPollInterval,
		OCVSource:                  OCVSourceMinCell,
		CurrentPositiveIsDischarge: true,
		CoulombicEffDischarge:      1,
		CoulombicEffCharge:         1,
		LearnAlpha:                 1,
		InitialSoCPercent:          DefaultInitialSoCPercent,
		ConfidenceDecayPerCycle:    DefaultConfidenceDecayPerCycle,
		MinBoardTempC:              DefaultMinBoardTempC,
		MaxBoardTempC:              DefaultMaxBoardTempC,
	}
}

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks every field and returns all problems joined together.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, a ...interface{}) {
		errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, a...)})
	}

	if c.CellCount != SupportedCellCount {
		bad("cell_count", "must be %d for this configuration, got %d", SupportedCellCount, c.CellCount)
	}
	if c.RSenseMilliohm < 1 {
		bad("rsense_milliohm", "is required and must be at least 1")
	}
	if c.Chemistry != ChemistryLiIonLiPo {
		bad("chemistry", "'%s' is not supported, only '%s'", c.Chemistry, ChemistryLiIonLiPo)
	}
	if c.PollInterval <= 0 {
		bad("poll_interval", "must be positive")
	}
	if c.MaxSampleGap < 0 {
		bad("max_sample_gap", "must not be negative")
	}
	if _, err := NewOCVTable(c.OCVTable); err != nil {
		bad("ocv_table", "%v", err)
	}
	if c.OCVSource != OCVSourceMinCell && c.OCVSource != OCVSourceAvgCell {
		bad("ocv_source", "must be '%s' or '%s', got '%s'", OCVSourceMinCell, OCVSourceAvgCell, c.OCVSource)
	}

	nonNegative := map[string]float64{
		"rest_current_threshold_ma":    c.RestCurrentThresholdMA,
		"rest_min_seconds":             c.RestMinSeconds,
		"rest_full_weight_seconds":     c.RestFullWeightSeconds,
		"rest_dvdt_threshold_mv_per_s": c.RestDvDtThresholdMVPerS,
		"full_cell_mv":                 c.FullCellMV,
		"full_hold_seconds":            c.FullHoldSeconds,
		"empty_cell_mv":                c.EmptyCellMV,
		"empty_hold_seconds":           c.EmptyHoldSeconds,
		"empty_discharge_current_ma":   c.EmptyDischargeCurrentMA,
	}
	for _, field := range sortedKeys(nonNegative) {
		if nonNegative[field] < 0 {
			bad(field, "must not be negative")
		}
	}
	if c.EmptyCellMV >= c.FullCellMV {
		bad("empty_cell_mv", "must be below full_cell_mv")
	}

	unit := map[string]float64{
		"coulombic_eff_discharge":    c.CoulombicEffDischarge,
		"coulombic_eff_charge":       c.CoulombicEffCharge,
		"learn_alpha":                c.LearnAlpha,
		"confidence_decay_per_cycle": c.ConfidenceDecayPerCycle,
	}
	for _, field := range sortedKeys(unit) {
		if v := unit[field]; v < 0 || v > 1 {
			bad(field, "must be within [0, 1], got %g", v)
		}
	}
	if c.CoulombicEffDischarge == 0 || c.CoulombicEffCharge == 0 {
		bad("coulombic_eff", "efficiencies must be above 0")
	}

	if c.DesignCapacityMAh <= 0 {
		bad("design_capacity_mah", "must be positive")
	}
	if c.InitialSoCPercent < 0 || c.InitialSoCPercent > 100 {
		bad("initial_soc_percent", "must be within [0, 100]")
	}
	if c.MinBoardTempC >= c.MaxBoardTempC {
		bad("min_board_temp_c", "must be below max_board_temp_c")
	}

	if c.Balance != nil && c.Balance.Enabled {
		if c.Balance.CurrentMAPerCell <= 0 {
			bad("balance_current_ma_per_cell", "is required when balance correction is enabled")
		}
		if c.Balance.Duty <= 0 || c.Balance.Duty > 1 {
			bad("balance_duty", "is required when balance correction is enabled and must be within (0, 1]")
		}
	}

	return errors.Join(errs...)
}

// BalanceEnabled reports whether balance correction is configured on.
func (c Config) BalanceEnabled() bool {
	return c.Balance != nil && c.Balance.Enabled
}

func (c Config) maxSampleGapSeconds() float64 {
	if c.MaxSampleGap > 0 {
		return c.MaxSampleGap.Seconds()
	}
	return 10 * c.PollInterval.Seconds()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
