package prerender

import "strings"

// RewriteAssetPaths replaces every "<prefix>/" in html with "/", so the
// snapshot no longer references the dev-time build output prefix. The
// replacement is literal and repeated until no marker remains, which keeps
// the rewrite total for inputs like "/dist/dist/app.js".
func RewriteAssetPaths(html, prefix string) string {
	marker := strings.TrimRight(prefix, "/") + "/"
	if marker == "/" {
		return html
	}
	for strings.Contains(html, marker) {
		html = strings.ReplaceAll(html, marker, "/")
	}
	return html
}

// SameOrigin returns a request filter that admits only URLs under rootURL.
// The character after the prefix must end the origin so that
// "http://localhost:30001" does not pass for "http://localhost:3000".
func SameOrigin(rootURL string) func(string) bool {
	root := strings.TrimRight(rootURL, "/")
	return func(url string) bool {
		if !strings.HasPrefix(url, root) {
			return false
		}
		rest := url[len(root):]
		return rest == "" || strings.ContainsAny(rest[:1], "/?#")
	}
}
