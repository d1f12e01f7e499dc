package artifacts

import (
	"errors"
	"net/url"
	"strings"
)

// PathFromURI returns the local path of a file:// locator.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if parsed.Path == "" {
		return "", errors.New("file URI has no path")
	}
	return parsed.Path, nil
}

// FileURI returns the file:// locator for path.
func FileURI(path string) string {
	return "file://" + path
}
