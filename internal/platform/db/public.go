package db

// publicPaths lists URL paths that bypass practice resolution and
// authentication. These are infrastructure endpoints that probes and
// scrapers must reach without credentials, and that must keep answering
// while the database is down.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// IsPublicPath reports whether the given path is a public infrastructure
// endpoint. The auth middleware consults the same list so both layers
// agree on what is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
