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

import (
	"errors"
	"fmt"
	"os"
)

// ErrOutputNotDir is returned when the output path exists but is not a
// directory.
var ErrOutputNotDir = errors.New("output path is not a directory")

// EnvironmentError reports a filesystem problem with an invocation's
// directories.
type EnvironmentError struct {
	Path string
	Err  error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// PrepareOutputDir makes sure dir exists and is a directory.
//
// Outputs:
//
//	bool - True if the directory was created by this call.
//	error - *EnvironmentError wrapping ErrOutputNotDir when dir is a
//	        file, or wrapping the os error when it cannot be created.
func PrepareOutputDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, &EnvironmentError{Path: dir, Err: ErrOutputNotDir}
		}
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, &EnvironmentError{Path: dir, Err: err}
		}
		return true, nil
	default:
		return false, &EnvironmentError{Path: dir, Err: err}
	}
}
