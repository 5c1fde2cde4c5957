// Package build produces production builds of a kiln project.
//
// This package handles:
//   - Client bundling with minification through the shared Pipeline
//   - Server bundling in the ssg and ssr modes
//   - Copying content bases into the output directory
//   - HTML rewriting (comments and dev-only scripts removed)
//   - Gzip and zstd precompression of text assets
//   - Build manifest generation
//
// # Usage
//
//	builder := build.New(cfg, build.Options{Bundler: bundler.NewEsbuild(nil), Compiler: c})
//	result, err := builder.Build(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Built in %s\n", result.Duration)
//
// # Output Structure
//
//	dist/
//	├── index.html          # Rewritten page
//	├── dist/main.js        # Client bundle, at the same URL as in dev
//	├── dist/main.js.gz     # Precompressed siblings
//	├── dist/main.js.zst
//	├── server/main.js      # Server bundle (ssg and ssr modes)
//	└── manifest.json       # SHA-256 of every file
//
// The Pipeline type is also used by the dev session, so development and
// production bundles are assembled from the same requests.
package build
