// Package pipeline connects the three stages of alert handling over queues.
//
// Reception normalizes an inbound payload and publishes the alert to the
// processing queue. Analyzer consumes alerts, runs and persists the
// analysis, then publishes the report to the distribution queue.
// Distributor consumes reports and fans them out to the notification
// channels.
//
// Every hop is at-least-once. Handlers return queue.Permanent errors for
// messages that can never succeed and plain errors for ones worth retrying.
package pipeline
