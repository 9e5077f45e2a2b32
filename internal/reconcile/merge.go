package reconcile

import "time"

// RemoteWins decides the merge-on-load outcome: the fetched copy replaces the
// local one only when there is no local copy or the remote one is strictly
// newer. Equal timestamps keep local.
func RemoteWins(local, remote time.Time, localPresent bool) bool {
	if !localPresent {
		return true
	}
	return remote.After(local)
}

// WriteKey returns the storage key a tab is written under on commit. A tab
// with a pending rename whose old key still exists remotely is written under
// the old key so that the remote side moves it instead of duplicating it.
func WriteKey(name, backingKey string, remoteHasKey func(string) bool) (key string, move bool) {
	if backingKey != "" && backingKey != name && remoteHasKey(backingKey) {
		return backingKey, true
	}
	return name, false
}
