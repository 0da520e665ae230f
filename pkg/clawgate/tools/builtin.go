package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ErrOutsideWorkspace is returned for paths escaping the workspace.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

// RegisterBuiltins installs the stock tool set.
func RegisterBuiltins(r *Registry) error {
	ws, err := filepath.Abs(r.cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	guard := NewURLGuard(r.cfg.SSRF, r.logger)
	regs := []struct {
		desc Descriptor
		h    Handler
	}{
		{currentTimeDesc, currentTime},
		{systemInfoDesc, systemInfo},
		{listFilesDesc, listFiles(ws)},
		{readFileDesc, readFile(ws)},
		{writeFileDesc, writeFile(ws)},
		{webFetchDesc, webFetch(guard)},
	}
	if r.cfg.ShellEnabled {
		regs = append(regs, struct {
			desc Descriptor
			h    Handler
		}{shellExecDesc, shellExec(ws)})
	}
	for _, reg := range regs {
		if err := r.Register(reg.desc, reg.h); err != nil {
			return err
		}
	}
	return nil
}

// ---------- Time & System ----------

var currentTimeDesc = MakeDescriptor("current_time", "Return the current date and time, optionally in an IANA time zone.", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"timezone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Lisbon"},
	},
})

func currentTime(_ context.Context, args map[string]any) (string, error) {
	now := time.Now()
	if tz := argString(args, "timezone"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, 2006-01-02 15:04:05 MST"), nil
}

var systemInfoDesc = MakeDescriptor("system_info", "Describe the host the assistant runs on.", nil)

func systemInfo(context.Context, map[string]any) (string, error) {
	host, _ := os.Hostname()
	return fmt.Sprintf("os: %s\narch: %s\ncpus: %d\nhostname: %s\ngo: %s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), host, runtime.Version()), nil
}

// ---------- Files ----------

var listFilesDesc = MakeDescriptor("list_files", "List files in a workspace directory.", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"path": map[string]any{"type": "string", "description": "Directory relative to the workspace (default: root)"},
	},
})

var readFileDesc = MakeDescriptor("read_file", "Read a text file from the workspace.", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"path": map[string]any{"type": "string", "description": "File path relative to the workspace"},
	},
	"required": []string{"path"},
})

var writeFileDesc = MakeDescriptor("write_file", "Create or overwrite a file in the workspace.", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"path":    map[string]any{"type": "string", "description": "File path relative to the workspace"},
		"content": map[string]any{"type": "string", "description": "Full file content"},
	},
	"required": []string{"path", "content"},
})

// confine resolves p inside workspace, rejecting escapes. Symlinks are
// followed, so a link inside the workspace cannot lead out of it.
func confine(workspace, p string) (string, error) {
	full := filepath.Clean(filepath.Join(workspace, p))
	if !within(workspace, full) || !within(resolveExisting(workspace), resolveExisting(full)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return full, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks in the longest existing prefix of p
// and appends the part that does not exist yet.
func resolveExisting(p string) string {
	rest := ""
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func listFiles(workspace string) Handler {
	return func(_ context.Context, args map[string]any) (string, error) {
		dir, err := confine(workspace, argString(args, "path"))
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", fmt.Errorf("listing %s: %w", argString(args, "path"), err)
		}
		if len(entries) == 0 {
			return "(empty directory)", nil
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			} else if info, err := e.Info(); err == nil {
				name = fmt.Sprintf("%s (%d bytes)", name, info.Size())
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	}
}

const maxReadBytes = 100 * 1024

func readFile(workspace string) Handler {
	return func(_ context.Context, args map[string]any) (string, error) {
		rel := argString(args, "path")
		if rel == "" {
			return "", fmt.Errorf("path is required")
		}
		path, err := confine(workspace, rel)
		if err != nil {
			return "", err
		}
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", rel, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", rel, err)
		}
		return string(data), nil
	}
}

func writeFile(workspace string) Handler {
	return func(_ context.Context, args map[string]any) (string, error) {
		rel := argString(args, "path")
		if rel == "" {
			return "", fmt.Errorf("path is required")
		}
		path, err := confine(workspace, rel)
		if err != nil {
			return "", err
		}
		content := argString(args, "content")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("creating directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", rel, err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
	}
}

// ---------- Shell ----------

var shellExecDesc = MakeDescriptor("shell_exec", "Run a shell command in the workspace directory.", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"command": map[string]any{"type": "string", "description": "Command line passed to sh -c"},
	},
	"required": []string{"command"},
})

func shellExec(workspace string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		command := argString(args, "command")
		if strings.TrimSpace(command) == "" {
			return "", fmt.Errorf("command is required")
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = workspace
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		out := stdout.String()
		if stderr.Len() > 0 {
			out += "\nSTDERR:\n" + stderr.String()
		}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			out = fmt.Sprintf("Exit code: %d\n%s", exitErr.ExitCode(), out)
		default:
			return "", fmt.Errorf("running command: %w", err)
		}
		return out, nil
	}
}

// ---------- Web ----------

var webFetchDesc = MakeDescriptor("web_fetch", "Fetch a public URL and return its text.", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"url": map[string]any{"type": "string", "description": "http or https URL"},
	},
	"required": []string{"url"},
})

const maxFetchBytes = 50 * 1024

func webFetch(guard *URLGuard) Handler {
	client := &http.Client{
		Timeout: 20 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return guard.Check(req.Context(), req.URL.String())
		},
	}
	return func(ctx context.Context, args map[string]any) (string, error) {
		target := argString(args, "url")
		if target == "" {
			return "", fmt.Errorf("url is required")
		}
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			target = "https://" + target
		}
		if err := guard.Check(ctx, target); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", "clawgate/1.0")
		req.Header.Set("Accept", "text/html,text/plain,application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetching URL: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		return fmt.Sprintf("Status: %d\nContent-Type: %s\n\n%s",
			resp.StatusCode, resp.Header.Get("Content-Type"), body), nil
	}
}
