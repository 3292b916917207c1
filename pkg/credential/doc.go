// Package credential owns the mutable state behind authentication: the
// signing key ring used for bearer tokens and the ticket table used for
// single-use tickets.
//
// A single Store value is built at startup and handed to every provider by
// pointer. Providers never copy key material or ticket state; all mutation
// goes through KeyRing.Rotate and TicketTable.Redeem, which are safe for
// concurrent use.
//
// Ticket tables come in three flavours: the in-memory table in this
// package, and the Postgres and Redis tables in the postgres and redis
// sub-packages for deployments that share tickets between replicas.
package credential
