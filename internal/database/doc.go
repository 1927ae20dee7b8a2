// Package database tunes the sql.DB connection pool behind GORM
// handles and runs transactions with retry on transient relational
// failures such as deadlocks and serialization aborts. The session
// store uses it for every multi-statement write.
package database
