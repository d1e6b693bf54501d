// Package recordings keeps finished recordings in memory so they can be
// listed and downloaded for the lifetime of the process.
package recordings
