// Package pathutil matches request paths against configurable route prefixes.
package pathutil

import "strings"

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// SplitResourcePath parses "<collection>/<id>" and "<collection>/<id>/<action>".
// ok is false for the collection itself and for deeper paths.
func SplitResourcePath(path, collection string) (id string, action string, ok bool) {
	collection = NormalizePrefix(collection)
	if collection == "/" || !strings.HasPrefix(path, collection+"/") {
		return "", "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, collection+"/"), "/")
	if suffix == "" {
		return "", "", false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		action = parts[1]
	}
	return parts[0], action, true
}
