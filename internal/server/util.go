package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxIDLen keeps "<relay prefix><id>" within Docker's container name limit.
const maxIDLen = 48

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeID validates source ids, which become directory and container
// names: A-Z a-z 0-9 . _ - only, no "..", at most maxIDLen bytes.
func isSafeID(s string) bool {
	if s == "" || len(s) > maxIDLen || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// isSafeRootDir accepts an empty root_dir (use general.root_dir) or an
// absolute path that is already clean apart from trailing separators.
func isSafeRootDir(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		return true
	}
	return filepath.Clean(p) == trimmed
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
