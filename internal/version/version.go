// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package version exposes the build identity of the native core, used only
// in log lines and diagnostic output — it never affects wire format or
// behavior.
package version

// Tag is the release tag of this build of the native core. It is
// overwritten at build time via -ldflags; "dev" is used for local builds.
var Tag = "dev"

// String returns a human-readable identifier suitable for a startup log
// line: "nativecore <tag>".
func String() string {
	return "nativecore " + Tag
}
