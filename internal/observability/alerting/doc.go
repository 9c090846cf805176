// Package alerting fans out operational alerts, such as chat jobs that ran
// out of retries, to the audit log and to HTTP webhooks.
package alerting
