// Package timesource supplies the current time to the license verifier
// together with whether that time came from the network.
//
// NTPSource asks a fixed list of SNTP servers in order and returns the first
// answer; when every server fails it falls back to the local clock and
// reports fromNetwork=false, which is what arms the verifier's clock rollback
// check. Network time being unavailable is never an error.
package timesource
