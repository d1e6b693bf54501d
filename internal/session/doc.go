// Package session implements the recording lifecycle: one capture source
// feeding one aggregator, finalized into a WAV file and handed to result
// handlers before the controller returns to idle.
package session
