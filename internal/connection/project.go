package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tidwall/jsonc"

	"go.olrik.dev/remotehub/internal/session"
)

// IsProjectFile reports whether p looks like a project descriptor: a file
// whose contents name the directories to open, rather than a directory
// itself.
func IsProjectFile(p string) bool {
	return strings.HasSuffix(p, ".json")
}

// projectDescriptor is the parsed descriptor schema. Paths are resolved
// relative to the descriptor's own directory.
type projectDescriptor struct {
	Paths []string `json:"paths"`
}

// projectResolution is the outcome of expanding a cwd that named a project
// descriptor.
type projectResolution struct {
	// Dirs are the absolute directories to open, at least one.
	Dirs []string
	// Descriptor is true when the path really was a readable descriptor
	// file, false when reading it failed and the path is treated as a
	// plain directory.
	Descriptor bool
	// Explicit is true when the descriptor itself listed directories, false
	// when the descriptor's parent directory was used as the fallback.
	Explicit bool
}

// resolveProject expands a project descriptor at realPath into the
// directories to open. A read failure means "not actually a descriptor" and
// yields the path itself as the sole directory. Parse syntax errors are
// retried through the lenient JSONC parser; any other parse failure
// propagates.
func resolveProject(ctx context.Context, fs session.FileSystemService, realPath string) (projectResolution, error) {
	data, err := fs.ReadFile(ctx, realPath)
	if err != nil {
		return projectResolution{Dirs: []string{realPath}}, nil
	}

	descriptor, err := parseDescriptor(data)
	if err != nil {
		return projectResolution{}, fmt.Errorf("failed to parse project file %s: %w", realPath, err)
	}

	parent := path.Dir(realPath)
	if len(descriptor.Paths) == 0 {
		return projectResolution{Dirs: []string{parent}, Descriptor: true}, nil
	}

	dirs := make([]string, len(descriptor.Paths))
	for i, p := range descriptor.Paths {
		if path.IsAbs(p) {
			dirs[i] = path.Clean(p)
		} else {
			dirs[i] = path.Join(parent, p)
		}
	}
	return projectResolution{Dirs: dirs, Descriptor: true, Explicit: true}, nil
}

func parseDescriptor(data []byte) (projectDescriptor, error) {
	var descriptor projectDescriptor
	err := json.Unmarshal(data, &descriptor)
	if err == nil {
		return descriptor, nil
	}

	// Strict parsing rejects comments and trailing commas, both common in
	// hand-edited project files. Only syntax errors get the lenient retry.
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return projectDescriptor{}, err
	}

	descriptor = projectDescriptor{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &descriptor); err != nil {
		return projectDescriptor{}, err
	}
	return descriptor, nil
}

// ProjectRewriter is implemented by hosts that can replace the active
// project descriptor in place. The factory invokes it when a descriptor
// resolved without an explicit directory list, handing it the canonical
// descriptor path and the resolved directories; rewriting must be
// idempotent.
type ProjectRewriter interface {
	ReplaceProject(descriptorPath string, dirs []string) error
}
