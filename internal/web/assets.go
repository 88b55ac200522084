//go:build embed

package web

import (
	"embed"
	"io/fs"
)

//go:embed dist
var embeddedAssets embed.FS

// Assets strips the "dist" prefix so paths are "index.html",
// "assets/...", etc.
var Assets, _ = fs.Sub(embeddedAssets, "dist")
