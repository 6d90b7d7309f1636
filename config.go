// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/arvados/idqc/controlqc"
	"github.com/arvados/idqc/fingerprint"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/outlier"
	"github.com/arvados/idqc/qcerr"
	log "github.com/sirupsen/logrus"
)

// Config is the run configuration, loaded from a TOML file. Keys
// absent from the file keep their defaults.
type Config struct {
	Learn                        bool                        `toml:"learn"`
	EMMaxIterations              int                         `toml:"em_max_iterations"`
	EMConvergenceTolerance       float64                     `toml:"em_convergence_tolerance"`
	EMMinObservations            int                         `toml:"em_min_observations"`
	FingerprintThreshold         float64                     `toml:"fingerprint_threshold"`
	FingerprintThresholdMode     string                      `toml:"fingerprint_threshold_mode"`
	FingerprintMinModeSeparation float64                     `toml:"fingerprint_min_mode_separation"`
	FingerprintBlockSize         int                         `toml:"fingerprint_block_size"`
	OutlierCutoff                float64                     `toml:"outlier_cutoff"`
	PopulationTable              string                      `toml:"population_table"`
	PopulationVersion            string                      `toml:"population_version"`
	Threads                      int                         `toml:"threads"`
	ControlMetrics               []controlqc.Metric          `toml:"control_metric"`
	ControlMetricCutoffs         map[string]controlqc.Cutoff `toml:"control_metric_cutoffs"`
}

func DefaultConfig() Config {
	gcfg := genotype.DefaultConfig()
	fcfg := fingerprint.DefaultConfig()
	return Config{
		EMMaxIterations:              gcfg.MaxIterations,
		EMConvergenceTolerance:       gcfg.Tolerance,
		EMMinObservations:            gcfg.MinObservations,
		FingerprintThreshold:         fcfg.Threshold.Fixed,
		FingerprintThresholdMode:     fcfg.Threshold.Mode,
		FingerprintMinModeSeparation: fcfg.Threshold.MinModeSeparation,
		FingerprintBlockSize:         fcfg.BlockSize,
		OutlierCutoff:                outlier.DefaultCutoff,
	}
}

// LoadConfig reads a TOML file over the defaults. An empty filename
// returns the defaults. Relative population_table paths are resolved
// against the config file's directory.
func LoadConfig(fnm string) (Config, error) {
	cfg := DefaultConfig()
	if fnm == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(fnm, &cfg)
	if err != nil {
		return cfg, qcerr.Configf("%s: %s", fnm, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		log.Warnf("%s: ignoring unknown keys: %s", fnm, strings.Join(keys, ", "))
	}
	if cfg.PopulationTable != "" && !filepath.IsAbs(cfg.PopulationTable) {
		cfg.PopulationTable = filepath.Join(filepath.Dir(fnm), cfg.PopulationTable)
	}
	return cfg, nil
}

func (cfg Config) genotypeConfig() genotype.Config {
	return genotype.Config{
		Learn:           cfg.Learn,
		MaxIterations:   cfg.EMMaxIterations,
		Tolerance:       cfg.EMConvergenceTolerance,
		MinObservations: cfg.EMMinObservations,
		Threads:         cfg.Threads,
	}
}

func (cfg Config) fingerprintConfig() fingerprint.Config {
	return fingerprint.Config{
		Threshold: fingerprint.ThresholdConfig{
			Mode:              cfg.FingerprintThresholdMode,
			Fixed:             cfg.FingerprintThreshold,
			MinModeSeparation: cfg.FingerprintMinModeSeparation,
		},
		BlockSize: cfg.FingerprintBlockSize,
		Threads:   cfg.Threads,
	}
}

// controlCatalog returns the configured metric catalog with cutoff
// overrides applied, or nil if none is configured.
func (cfg Config) controlCatalog() ([]controlqc.Metric, error) {
	if len(cfg.ControlMetrics) == 0 {
		if len(cfg.ControlMetricCutoffs) > 0 {
			return nil, qcerr.Configf("control_metric_cutoffs given without a control_metric catalog")
		}
		return nil, nil
	}
	return controlqc.ApplyCutoffs(cfg.ControlMetrics, cfg.ControlMetricCutoffs)
}

// loadPopulation reads the fixed-mode population table named in the
// config. The version label defaults to the file's base name.
func (cfg Config) loadPopulation() (*genotype.PopulationTable, error) {
	if cfg.PopulationTable == "" {
		return nil, qcerr.Configf("population_table is required unless learn = true")
	}
	version := cfg.PopulationVersion
	if version == "" {
		version = filepath.Base(cfg.PopulationTable)
	}
	f, err := zopen(cfg.PopulationTable)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pt, err := genotype.ReadTable(f, version)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"version": pt.Version,
		"digest":  pt.DigestString(),
		"markers": len(pt.Params),
	}).Info("loaded population table")
	return pt, nil
}
