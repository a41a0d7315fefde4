// Package notifier delivers "device is offline" notifications.
//
// SendOfflineNotification only validates and enqueues; a worker pool drains the
// queue through a token-bucket rate limiter and retries each sink with
// backoff. A message counts as delivered when at least one sink accepted it;
// the accepted instant is then recorded in storage.
//
// # Deduplication
//
// Between acceptance and the storage write the notification is tracked as
// in flight. LastOfflineNotification reports the newer of the in-flight and the
// stored instant, so a tick that runs while a message is still queued does not
// notify the same tier twice. A message that finally fails is forgotten and
// becomes due again on the next tick.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for
// operator visibility.
package notifier
