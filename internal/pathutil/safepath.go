package pathutil

import (
	"path"
	"strings"
)

// staticExtensions are request path extensions served straight from the
// origin without geo resolution, rewriting, tracing or access logging.
var staticExtensions = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".avif": true,
	".gif": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".mp4": true, ".webm": true, ".mp3": true,
	".pdf": true, ".zip": true, ".wasm": true,
	".webmanifest": true,
}

// IsStaticAsset reports whether p names a static file by its extension.
func IsStaticAsset(p string) bool {
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
