// Package testutil provides shared test helpers, mainly miniredis setup for
// redis-backed units. Nothing here requires Docker; everything runs
// in-process.
package testutil
