// Package internal carries build metadata shared by the binaries.
package internal

// Version is the build version, overridden at release time with -ldflags.
var Version = "dev"
