// Package alerting fans verifier findings out to notification channels: the
// audit log and an optional rate-limited JSON webhook.
package alerting
