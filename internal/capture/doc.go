// Package capture wraps an audio input device as an ordered, single-use
// chunk stream. Device callbacks are decoupled from the consumer by an
// unbounded queue so the producer never blocks.
package capture
