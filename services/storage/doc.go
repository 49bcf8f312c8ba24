/*
The storage package provides a key/value based interface for persisting small
pieces of transport state, poll cursors and the like, across restarts.
Services wishing to store data should use this interface.

Values are tiny and written rarely, a read-modify-write of the whole value is
the expected usage pattern. Message payloads are never stored here.

A BoltDB backed implementation is provided for the daemon and an in memory
implementation for tests and library use.
*/
package storage
