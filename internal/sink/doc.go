// Package sink delivers finished recordings to a local directory, an
// S3-compatible bucket or an HTTP webhook.
package sink
