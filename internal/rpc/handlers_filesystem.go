package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/agentmux/coderd/pkg/types"
)

// registerFilesystemMethods ports the starting point's
// internal/server/handlers_file.go REST handlers (listFiles, readFile) and
// adds createDir/getHome/git.clone to round out the closed filesystem.* and
// file.* namespaces this spec's RPC surface names. These are plain local
// filesystem/git operations, not session-scoped state, so they need no
// collaborator beyond the OS.
func (d *Dispatcher) registerFilesystemMethods() {
	d.register("filesystem.listDir", MethodSpec{RequiredParams: []string{"path"}, Handler: d.filesystemListDir})
	d.register("filesystem.getHome", MethodSpec{Handler: d.filesystemGetHome})
	d.register("filesystem.createDir", MethodSpec{RequiredParams: []string{"path"}, Handler: d.filesystemCreateDir})
	d.register("file.read", MethodSpec{RequiredParams: []string{"path"}, Handler: d.fileRead})
	d.register("git.clone", MethodSpec{RequiredParams: []string{"url", "destination"}, Handler: d.gitClone})
}

type fileInfo struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
}

type pathParams struct {
	Path string `json:"path"`
}

func (d *Dispatcher) filesystemListDir(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[pathParams](raw)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.Path)
	if err != nil {
		return nil, &types.RPCError{Code: types.ErrCodeInvalidParams, Message: err.Error()}
	}
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		info, _ := entry.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		files = append(files, fileInfo{Name: entry.Name(), IsDirectory: entry.IsDir(), Size: size})
	}
	return map[string]any{"files": files}, nil
}

func (d *Dispatcher) filesystemGetHome(ctx context.Context, raw json.RawMessage) (any, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, &types.RPCError{Code: types.ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"home": home}, nil
}

func (d *Dispatcher) filesystemCreateDir(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[pathParams](raw)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Path, 0o755); err != nil {
		return nil, &types.RPCError{Code: types.ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"created": p.Path}, nil
}

type fileReadParams struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (d *Dispatcher) fileRead(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[fileReadParams](raw)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 2000
	}

	file, err := os.Open(p.Path)
	if err != nil {
		return nil, &types.RPCError{Code: types.ErrCodeNotFound, Message: "file not found: " + p.Path}
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= p.Offset {
			continue
		}
		if len(lines) >= limit {
			break
		}
		lines = append(lines, scanner.Text())
	}

	return map[string]any{
		"content":   strings.Join(lines, "\n"),
		"lines":     len(lines),
		"truncated": lineNum > p.Offset+limit,
	}, nil
}

type gitCloneParams struct {
	URL         string `json:"url"`
	Destination string `json:"destination"`
	Branch      string `json:"branch"`
}

func (d *Dispatcher) gitClone(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[gitCloneParams](raw)
	if err != nil {
		return nil, err
	}
	args := []string{"clone"}
	if p.Branch != "" {
		args = append(args, "--branch", p.Branch)
	}
	args = append(args, p.URL, p.Destination)

	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &types.RPCError{Code: types.ErrCodeInternal, Message: "git clone failed: " + strings.TrimSpace(string(output))}
	}
	return map[string]any{"destination": p.Destination}, nil
}
