// Package kvmirror keeps a local mirror of settings held in a remote
// key-value store.
//
// A Store loads the settings selected by key prefix and label, then watches
// individual keys and key prefixes for changes. Watching is poll based:
// single keys are compared by version tag, and prefixes are compared as a
// set of (key, version tag) pairs before any value is transferred. Remote
// calls are retried with jittered exponential backoff. When retries run out
// the cycle is treated as unchanged and the mirror keeps its last state.
//
// Key features:
//   - Copy-on-write settings snapshots (Cell pattern)
//   - Minimal change batches: Modified and Deleted events per key
//   - Pluggable sources: in-memory, YAML file, AWS Parameter Store, S3 and
//     CloudFront KeyValueStore
//   - Change notification via subscriptions
package kvmirror
