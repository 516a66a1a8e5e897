// Package network is the in-process message transport between nodes.
//
// Each destination party has one mailbox drained by one goroutine, so
// messages reach a party in the order they were sent. Delivery is
// at-least-once: a party that is offline keeps its mailbox until it joins
// again, and a party the directory cannot resolve is retried with backoff
// until the retry policy gives up, at which point the sender's flow is told
// the session ended.
package network
