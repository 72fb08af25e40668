//go:build !unix

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import "os"

var (
	pauseSignal  os.Signal
	resumeSignal os.Signal
)
