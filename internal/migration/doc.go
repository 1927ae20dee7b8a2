// Package migration manages the relational schema for the session
// store, built on golang-migrate with the SQL files embedded per
// dialect (postgres, mysql, sqlite).
//
// The GORM session backend auto-migrates its own tables, which is
// enough for development. Deployments that forbid DDL from the
// serving process run these migrations out of band instead, via the
// migrate subcommands:
//
//	gander migrate up
//	gander migrate status
//	gander migrate goto 1
//
// Migrator is the operation set, DefaultMigrator the implementation,
// and CLI the formatting layer the subcommands drive. Migrators come
// from NewMigratorFromDatabaseConfig when using the application
// configuration or NewMigratorFromURL for an explicit connection
// string.
package migration
