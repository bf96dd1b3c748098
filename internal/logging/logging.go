/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/gologme/log"
)

// New returns a leveled logger writing to w (stderr when nil) with a
// "[ component ] " prefix. Only the given levels are enabled.
func New(w io.Writer, component string, levels []string, colored bool) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	name := component
	if colored {
		yellow := color.New(color.FgYellow).SprintfFunc()
		name = yellow(component)
	}
	logger := log.New(w, fmt.Sprintf("[ %s ] ", name), log.LstdFlags|log.Lmsgprefix)
	for _, level := range levels {
		logger.EnableLevel(level)
	}
	return logger
}

// Discard returns a logger that drops everything, for tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
