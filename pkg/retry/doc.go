// Package retry provides capped exponential backoff and a generic retry loop.
//
// # Overview
//
// Backoff is the delay policy shared by the discovery scheduler, the device
// reconnect loop and the uplink connect loop. Delay(0) is zero so the first
// attempt runs immediately; Delay(r) grows as InitialDelay × Multiplier^r and
// never exceeds MaxDelay.
//
// Loop consumes attempts that report an explicit Outcome:
//
//	token, err := retry.Loop(ctx, retry.DefaultBackoff(), 0, func(attempt int) retry.Outcome[auth.Token] {
//	    tok, err := provider.FetchAccessToken(ctx)
//	    if err != nil {
//	        return retry.Retryable[auth.Token](err)
//	    }
//	    return retry.Success(tok)
//	})
//
// A maxAttempts of zero retries until the context is done.
//
// # Bounded retries
//
// Do and DoWithResult keep the classic error-returning shape for short
// operations such as a KV compare-and-swap, where a revision conflict is
// retried after re-reading the entry:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    entry, err := kv.Get(ctx, key)
//	    if err != nil {
//	        return retry.NonRetryable(err)
//	    }
//	    _, err = kv.Update(ctx, key, next(entry.Value), entry.Revision)
//	    return err
//	})
//
// natsclient.KVStore.UpdateWithRetry is built this way.
//
// Wrap an error with NonRetryable to stop the loop immediately.
package retry
