// Package job runs chat turns asynchronously. A Service records a job and
// publishes its id to a queue (in-memory, Redis list or RabbitMQ); a
// Processor consumes ids, claims the job and executes the turn against the
// session store. Retryable failures are re-queued until retries run out, and
// terminal failures are reported to the configured alert dispatcher.
package job
