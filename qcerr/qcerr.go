// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package qcerr defines the fatal error kind shared by the QC
// components.
package qcerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration matches every *ConfigError with errors.Is.
var ErrConfiguration = errors.New("configuration error")

// ConfigError reports invalid or inconsistent inputs. IDs lists the
// offending sample, marker, metric, or label identifiers.
type ConfigError struct {
	Reason string
	IDs    []string
}

func (e *ConfigError) Error() string {
	if len(e.IDs) == 0 {
		return "configuration error: " + e.Reason
	}
	ids := e.IDs
	more := ""
	if len(ids) > 10 {
		more = fmt.Sprintf(" (and %d more)", len(ids)-10)
		ids = ids[:10]
	}
	return fmt.Sprintf("configuration error: %s: %s%s", e.Reason, strings.Join(ids, ", "), more)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Config returns a *ConfigError with the given identifiers.
func Config(reason string, ids ...string) error {
	return &ConfigError{Reason: reason, IDs: ids}
}

// Configf is like Config with a formatted reason and no identifiers.
func Configf(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
