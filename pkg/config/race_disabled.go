//go:build !race

package config

// raceEnabled reports whether the race detector is active in this build.
const raceEnabled = false
