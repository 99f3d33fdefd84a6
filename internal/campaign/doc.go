// Package campaign holds the bulk-send campaign model and the Repository,
// the single serialization domain over the durable store.
//
// Exactly one campaign exists at a time (row id 1). Creating a new one wipes
// the previous campaign and its queue in the same transaction.
package campaign
