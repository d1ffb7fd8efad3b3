// Package chain implements incremental backups as a chain of immutable archives.
//
// Each backup run produces one archive in the output directory. The first is
// a full backup. Later ones store only files that are new or changed since
// the state the chain already resolves to, plus a tombstone for every file
// that disappeared. Restoring folds the chain in creation order, so the most
// recent archive that mentions a path always wins.
//
// # Archive Layout
//
// An archive is a tar stream compressed as a sequence of independent zstd
// frames, one per stored file, so standard tools can still extract it:
//
//	backup_2026-01-02_15-04-05.tar.zst
//	├── frame: tar entry for file 1
//	├── frame: tar entry for file 2
//	├── ...
//	├── frame: manifest.yml + tar end-of-archive
//	└── skippable frame: manifest offset and length
//
// The trailing skippable frame lets [ReadManifest] decode the manifest alone.
// Manifest records carry the offset and length of their frame, which is what
// allows [Restore] to decompress only the frames it needs and [Merge] to copy
// frames between archives without recompressing them.
//
// # Creating Backups
//
// Use [Manager.Backup] with the include and exclude rules:
//
//	mgr := chain.NewManager(chain.WithOutputDir("/var/backups/home"))
//	res, err := mgr.Backup(ctx, chain.BackupOptions{
//	    Rules: chain.Rules{Roots: []string{"/home/u"}},
//	})
//
// When nothing changed since the last archive the result has Skipped set and
// no archive is written, unless [WithAllowEmpty] is given.
//
// # Restoring
//
// [Restore] supports three modes. [ModeAll] writes every live path,
// [ModeOnlySelected] limits that to given paths or directory prefixes, and
// [ModeOnlyDeleted] reports paths the chain records as deleted, optionally
// pruning them from the destination or bringing back their last content.
// A regex filter narrows every mode, and flattening drops directories from
// the restored paths. Existing destination files are handled by a
// [ConflictPolicy].
//
// # Merging
//
// [Merge] replaces a contiguous run of archives with a single equivalent one
// named after the newest of them. Tombstones survive only for paths that were
// live before the run.
package chain
