// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phase

// Mode selects which phases an invocation runs.
type Mode int

const (
	// ModeAll parses and then analyzes. It is the zero value.
	ModeAll Mode = iota

	// ModeParse only parses.
	ModeParse

	// ModeAnalyze only analyzes, reloading previously parsed results.
	ModeAnalyze
)

// ShouldParse reports whether the parse phase runs.
func (m Mode) ShouldParse() bool {
	return m == ModeParse || m == ModeAll
}

// ShouldAnalyze reports whether the analysis phase runs.
func (m Mode) ShouldAnalyze() bool {
	return m == ModeAnalyze || m == ModeAll
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeParse:
		return "parse"
	case ModeAnalyze:
		return "analyze"
	case ModeAll:
		return "all"
	default:
		return "unknown"
	}
}

// SelectMode decides the mode from the mode flags in command-line order.
//
// Description:
//
//	No flags selects ModeAll. Otherwise the last flag given wins, so
//	"-a -p" parses only and "-p -a" analyzes only.
//
// Thread Safety: Pure function.
func SelectMode(choices []Mode) Mode {
	if len(choices) == 0 {
		return ModeAll
	}
	return choices[len(choices)-1]
}
