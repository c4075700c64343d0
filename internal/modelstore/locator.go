// Package modelstore finds the model artifact handed to the inference engine.
package modelstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/tumorscan/internal/engine"
)

// ModelNotFoundPrefix starts every model-not-found message.
const ModelNotFoundPrefix = "Model file not found"

// DefaultExtensions lists accepted artifact formats in priority order.
var DefaultExtensions = []string{".pkl", ".h5", ".keras"}

// Locator resolves <Dir>/<BaseName><ext> for the first existing extension.
type Locator struct {
	Dir        string
	BaseName   string
	Extensions []string
	// CreateDir creates Dir when it does not exist yet, so operators get an
	// obvious place to drop the artifact.
	CreateDir bool
}

// Resolve returns the artifact path with forward slashes. A non-empty hint is
// used when it names an existing file inside Dir with an accepted extension.
func (l Locator) Resolve(hint string) (string, error) {
	if l.CreateDir {
		if err := os.MkdirAll(l.Dir, 0o755); err != nil {
			return "", &engine.Error{
				Kind:    engine.KindModelNotFound,
				Message: fmt.Sprintf("%s. Unable to create model directory %s: %v", ModelNotFoundPrefix, l.Dir, err),
				Err:     err,
			}
		}
	}

	if hint != "" {
		if path, ok := l.acceptHint(hint); ok {
			return filepath.ToSlash(path), nil
		}
	}

	for _, ext := range l.Extensions {
		candidate := filepath.Join(l.Dir, l.BaseName+ext)
		if isFile(candidate) {
			return filepath.ToSlash(candidate), nil
		}
	}

	return "", engine.NewError(engine.KindModelNotFound,
		"%s. Please make sure %s is in the %s directory.", ModelNotFoundPrefix, l.candidateList(), filepath.ToSlash(l.Dir))
}

func (l Locator) acceptHint(hint string) (string, bool) {
	dir, err := filepath.Abs(l.Dir)
	if err != nil {
		return "", false
	}
	path := hint
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if !l.accepts(filepath.Ext(path)) || !isFile(path) {
		return "", false
	}
	return path, true
}

func (l Locator) accepts(ext string) bool {
	for _, accepted := range l.Extensions {
		if strings.EqualFold(accepted, ext) {
			return true
		}
	}
	return false
}

func (l Locator) candidateList() string {
	names := make([]string, 0, len(l.Extensions))
	for _, ext := range l.Extensions {
		names = append(names, l.BaseName+ext)
	}
	switch len(names) {
	case 0:
		return "a model file"
	case 1:
		return names[0]
	case 2:
		return "either " + names[0] + " or " + names[1]
	}
	return "either " + strings.Join(names[:len(names)-1], ", ") + ", or " + names[len(names)-1]
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
