// Package fetch downloads, verifies, extracts and classifies remote game
// archives.
//
// # Integrity Model
//
// Nothing leaves the scratch directory unless it was verified:
//   - Bytes are streamed into a per-operation scratch directory
//   - The file is hashed against the digest the server reported
//   - A mismatch is a result, never an install; the caller sees IntegrityMismatch
//
// # Pipeline
//
// Engine.Run drives one invocation through
//
//	Pending -> Downloading -> Verifying -> Extracting -> Classifying -> Done
//
// with an exit to Failed from any stage. The scratch directory is removed on
// every exit path, including cancellation. Callers promote what they keep in
// the Commit hook, which runs after classification and before cleanup.
//
// # Usage
//
//	engine := fetch.NewEngine(fetch.EngineConfig{TotalTimeout: time.Hour})
//	progress := fetch.NewProgress(0)
//	go func() {
//	    for p := range progress.Updates() {
//	        fmt.Printf("\r%d bytes", p.BytesReceived)
//	    }
//	}()
//	res, err := engine.Run(ctx, fetch.Request{
//	    URL:           url,
//	    Source:        catalogClient,
//	    ExpectedHash:  details.Hash,
//	    ScratchParent: scratch,
//	    Progress:      progress,
//	    Commit:        promote,
//	})
//
// # Architecture
//
// The package is organized into several components:
//   - Engine: state machine, scratch ownership, archive retention
//   - Downloader: resumable streaming with retry, idle and total timeouts
//   - HashPool: bounded hashing of sha256/sha1/md5/crc32 digests
//   - Extractor: zip, tar, tar.gz and tar.zst with traversal guards
//   - Classify: Installer / Portable / ContentOnly / Unknown
package fetch
