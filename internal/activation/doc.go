// Package activation implements the activation-code ledger: issuing
// single- or multi-device codes, redeeming them against a device
// fingerprint, and the administrative operations around them (revoke,
// extend, list, statistics, repair).
//
// The ledger is one JSON file mapping each code to an encrypted record.
// Every operation reloads the file and writes it back whole, so the ledger
// holds no state between calls beyond an in-process mutex. Concurrent
// writers in different processes must be serialized by the caller.
//
// Entries sealed with the old fixed key are read transparently and re-sealed
// with the current codec on the next write. Entries stored as plain JSON
// objects carry no integrity protection and are treated as damaged until an
// administrator imports them with Repair.
package activation
