// Package dedupe provides a TTL fast path for suppressing platform webhook
// redeliveries before they reach parsing and storage.
package dedupe
