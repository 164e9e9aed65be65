// Package database opens the SQLite file behind the traffic recorder and
// applies its schema.
//
// The recorder (ebus.Recorder) keeps one row per participant and one per
// command seen on the bus. The schema is the forward-only set of
// YYYYMMDD_HHMMSS_name.up.sql files in the top-level migrations package:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Applied versions are tracked in schema_migrations. Changes to a released
// schema go in a new file; existing files are never edited.
package database
