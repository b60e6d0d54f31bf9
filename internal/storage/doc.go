// Package storage is the optional local persistence of the relay: an audit
// trail of subscribe, unsubscribe, skip and broadcast outcomes, and per-day
// sent marks so a restart never sends the same day's poll twice.
package storage
