// Package alerting fans failed care runs out to notification channels.
package alerting
