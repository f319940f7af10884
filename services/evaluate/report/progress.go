// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/charmbracelet/bubbles/progress"
)

// Progress draws a single-line progress bar for the analysis phase.
//
// Thread Safety: Update and Finish may be called from several goroutines.
type Progress struct {
	mu      sync.Mutex
	out     io.Writer
	bar     progress.Model
	enabled bool
	drawn   bool
}

// NewProgress creates a Progress on out. Nothing is drawn unless out is a
// terminal.
func NewProgress(out io.Writer) *Progress {
	return newProgress(out, IsTerminal(out))
}

func newProgress(out io.Writer, enabled bool) *Progress {
	return &Progress{
		out:     out,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		enabled: enabled,
	}
}

// Update redraws the bar. It matches analyze.ProgressFunc.
func (p *Progress) Update(done, total int) {
	if !p.enabled || total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r%s %d/%d series", p.bar.ViewAs(float64(done)/float64(total)), done, total)
	p.drawn = true
}

// Finish ends the progress line if anything was drawn.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.out)
		p.drawn = false
	}
}

// Name implements analyze.Sink.
func (p *Progress) Name() string { return "progress" }

// Publish implements analyze.Sink by ending the progress line, so that
// sinks after it start on a fresh line.
func (p *Progress) Publish(context.Context, *analyze.Report) error {
	p.Finish()
	return nil
}
