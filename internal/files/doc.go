// Package files provides the file operations the license core relies on.
//
// Every persisted artifact (license state, activation ledger, client
// activation record) is written through WriteAtomic: the data goes to a
// temporary file in the destination directory, is synced, and is then
// renamed over the target. A reader therefore sees either the previous
// content or the new content, never a partial write.
//
// Example usage:
//
//	manager := files.NewManager(paths)
//
//	if err := manager.WriteAtomic(paths.LicenseFile, data, 0o600); err != nil {
//	    return err
//	}
//
//	backup, err := manager.Backup(paths.LedgerFile)
package files
