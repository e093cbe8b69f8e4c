package inputs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Enumerator lists the input cases for a repository. The orchestrator
// treats the returned names as an opaque ordered list.
type Enumerator interface {
	List(inputsPath string) ([]string, error)
}

// Compile-time interface check.
var _ Enumerator = (*dirEnumerator)(nil)

type dirEnumerator struct{}

// NewEnumerator returns an enumerator that lists .txt files in a
// directory in lexical order.
func NewEnumerator() Enumerator {
	return &dirEnumerator{}
}

func (e *dirEnumerator) List(inputsPath string) ([]string, error) {
	entries, err := os.ReadDir(inputsPath)
	if err != nil {
		return nil, fmt.Errorf("reading inputs directory %s: %w", inputsPath, err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if strings.EqualFold(filepath.Ext(entry.Name()), ".txt") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}
