// Package backend defines the narrow capability the distributed types consume
// from a shared key-value store, and the pieces every type shares on top of it.
//
// The Store interface is deliberately small: read, write, compare-and-set,
// increment, and token-checked leases. Each operation has to be atomic on the
// store side (a Lua script, an etcd transaction, a single SQL statement), never
// a client-side read followed by a write.
//
// Key layout:
//
//	lock:<name>            mutex lease, value is the holder token
//	lock:<name>:fence      fencing token counter
//	rwlock:<name>          reader/writer record
//	barrier:<name>         generation and arrival count
//	clock:<name>           value with logical clock counter
//	list:<name>            list record with version
//
// Implementations live in the sub packages redis, etcd, postgres and memory.
// storetest holds the conformance suite they all run.
package backend
