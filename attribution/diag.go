// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package attribution

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/DataDog/gostackparse"

	"github.com/scaleneprof/nativecore/internal/log"
)

// LogSelfDiagnostic captures and logs the native (Go-side) goroutine dump of
// this process. It exists purely to help diagnose the glue layer itself —
// e.g. an unexpectedly deep recursion-guard nesting level, or a hook that
// never returns — never for host-stack attribution, which is Hook's job.
// Parsing the dump with gostackparse turns it into a short structured line
// instead of a multi-kilobyte text blob in the log.
func LogSelfDiagnostic(reason string) {
	buf := make([]byte, 64*1024)
	n := runtime.Stack(buf, true)

	goroutines, errs := gostackparse.Parse(bytes.NewReader(buf[:n]))
	for _, err := range errs {
		log.Debug("attribution: partial goroutine dump parse error: %s", err)
	}

	log.Warn("attribution: self-diagnostic (%s): %d goroutines", reason, len(goroutines))
	for _, g := range goroutines {
		top := "?"
		if len(g.Stack) > 0 {
			f := g.Stack[0]
			top = fmt.Sprintf("%s (%s:%d)", f.Func, f.File, f.Line)
		}
		log.Debug("attribution: goroutine %d [%s] top=%s", g.ID, g.State, top)
	}
}
