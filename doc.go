// Package enginecache manages a local, versioned, disk-resident cache of
// engine installations fetched on demand from a remote build repository.
//
// A Manager resolves a requested engine version against the published
// build manifest, streams the package to a staging area, verifies its
// content signature, and atomically promotes it into the store. Requests
// for versions that are already installed return immediately without any
// network traffic, and concurrent requests for the same version collapse
// into a single download. A configurable retention policy bounds disk
// usage by culling installations that are neither pinned nor in use.
//
// Basic usage:
//
//	mgr, err := enginecache.New(manifestURL, "/var/cache/engines")
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	installed, err := mgr.DownloadEngineIfNecessary(ctx, "7.0.0", nil)
//	if err != nil {
//	    return err
//	}
//	path, err := mgr.GetEnginePath("7.0.0")
//
// Progress reporting and cancellation:
//
//	installed, err := mgr.DownloadEngineIfNecessary(ctx, "7.0.0",
//	    func(written, total int64) {
//	        fmt.Printf("\r%d/%d bytes", written, total)
//	    })
//
// Cancelling ctx aborts the transfer and leaves the store unchanged;
// the call reports (false, nil) rather than an error.
package enginecache
