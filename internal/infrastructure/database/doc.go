// Package database provides the SQLite store used by the CoAP bridge.
//
// The bridge keeps a short history of channel state changes on local disk so
// the HTTP API can answer "what did this sensor report recently" without a
// round trip to the device. This package owns:
//   - Opening the database with WAL mode and a busy timeout
//   - Forward and backward schema migrations read from an fs.FS
//   - Health checks for the status endpoint
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
