// Package vad computes signal levels and energy-based voice activity for
// finished recordings.
package vad
