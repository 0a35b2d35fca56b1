package tools

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

// Sandbox confines filesystem operations to a single root directory.
// Every path is expanded and canonicalized before use; anything that
// resolves outside the root is rejected before any I/O happens.
type Sandbox struct {
	root string
}

func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	// Pin the root to its real location so the containment check is not
	// fooled when the root itself sits behind a symlink (/tmp on darwin).
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Sandbox{root: abs}, nil
}

func (s *Sandbox) Root() string {
	return s.root
}

// Resolve expands home shorthand, anchors relative paths at the sandbox
// root and canonicalizes the result. Paths that escape the root return
// an error without touching the disk.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)

	// Resolve symlinks on the deepest existing ancestor so a link inside
	// the root pointing elsewhere cannot smuggle the operation out.
	real, err := evalAncestor(path)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", path, err)
	}

	rel, err := filepath.Rel(s.root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the sandbox root %q", path, s.root)
	}
	return real, nil
}

// evalAncestor evaluates symlinks on the longest prefix of path that
// exists and re-joins the not-yet-existing remainder.
func evalAncestor(path string) (string, error) {
	remainder := ""
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

func runFilesystem(deps Deps, step *domain.Step, args FilesystemArgs) Outcome {
	op := args.Op
	if op == "" {
		op = toolOperation(step.ToolName)
	}
	if op == "" {
		op = "write"
	}

	path := args.Path
	if path == "" {
		if extracted, ok := ExtractPath(step.Description + " " + step.Goal); ok {
			log.Printf("WARN: step %s missing path, extracted %q from description", step.StepID, extracted)
			path = extracted
		} else {
			return failure(domain.ErrKindValidation, "filesystem step has no path and none could be inferred")
		}
	}

	resolved, err := deps.Sandbox.Resolve(path)
	if err != nil {
		return failure(domain.ErrKindSandbox, "%v", err)
	}

	switch op {
	case "write", "create":
		return fsWrite(step, resolved, args, false)
	case "append":
		return fsWrite(step, resolved, args, true)
	case "read":
		data, err := os.ReadFile(resolved)
		if err != nil {
			return failure(domain.ErrKindToolExecution, "reading %s: %v", resolved, err)
		}
		return Outcome{Success: true, Output: string(data)}
	case "mkdir":
		if err := os.MkdirAll(resolved, 0o755); err != nil {
			return failure(domain.ErrKindToolExecution, "creating directory %s: %v", resolved, err)
		}
		return Outcome{Success: true, Output: fmt.Sprintf("created directory %s", resolved)}
	case "delete", "remove":
		if err := os.Remove(resolved); err != nil {
			return failure(domain.ErrKindToolExecution, "removing %s: %v", resolved, err)
		}
		return Outcome{Success: true, Output: fmt.Sprintf("removed %s", resolved)}
	case "list":
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return failure(domain.ErrKindToolExecution, "listing %s: %v", resolved, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return Outcome{Success: true, Output: strings.Join(names, "\n")}
	default:
		return failure(domain.ErrKindValidation, "unknown filesystem operation %q", op)
	}
}

func fsWrite(step *domain.Step, resolved string, args FilesystemArgs, appendMode bool) Outcome {
	content := args.Content
	if content == "" {
		if extracted, ok := ExtractContent(step.Description + " " + step.Goal); ok {
			log.Printf("WARN: step %s missing content, extracted %q from description", step.StepID, extracted)
			content = extracted
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return failure(domain.ErrKindToolExecution, "creating parent directory: %v", err)
	}

	if appendMode {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return failure(domain.ErrKindToolExecution, "opening %s: %v", resolved, err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return failure(domain.ErrKindToolExecution, "appending to %s: %v", resolved, err)
		}
		return Outcome{Success: true, Output: fmt.Sprintf("appended %d bytes to %s", len(content), resolved)}
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return failure(domain.ErrKindToolExecution, "writing %s: %v", resolved, err)
	}
	return Outcome{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), resolved)}
}
