package hotswap

import "time"

// Retry policy for descriptor transfers. Readiness errors (the peer process
// isn't there yet) back off on a coarse interval with a small budget;
// nonblocking-IO polls use a shorter interval with a larger one. The budgets
// are per transfer attempt and are not persisted anywhere.
const (
	maxRetry      = 5
	retryInterval = time.Second

	maxNonblockingPolls     = 20
	nonblockingPollInterval = 500 * time.Millisecond

	listenBacklog = 8
)
