// Package workspace creates, populates, and destroys the per-session
// workspace directory: a read-only configuration template copy, plus an
// optional git clone on a session-specific feature branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxCloneAttempts = 3

// Provisioner materializes and tears down session workspace directories
// under a single configured root.
type Provisioner struct {
	root         string
	templateDir  string
	cloneBackoff time.Duration
}

// New constructs a Provisioner rooted at root, copying configuration
// templates from templateDir (process-wide, read-only, established once at
// startup) into each new workspace.
func New(root, templateDir string) *Provisioner {
	return &Provisioner{
		root:         root,
		templateDir:  templateDir,
		cloneBackoff: 2 * time.Second,
	}
}

// Path returns the workspace directory for a session id without creating it.
func (p *Provisioner) Path(sessionID string) string {
	return filepath.Join(p.root, sessionID)
}

// Create makes {root}/{session_id}, failing if it already exists and is
// non-empty, then copies the configuration template subtree into it.
func (p *Provisioner) Create(sessionID string) (string, error) {
	dir := p.Path(sessionID)

	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return "", fmt.Errorf("workspace already exists and is non-empty: %s", dir)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat workspace dir: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}

	if p.templateDir != "" {
		if err := copyTree(p.templateDir, dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("copy configuration template: %w", err)
		}
	}

	return dir, nil
}

// Clone performs a git clone into path, then creates and checks out a
// feature branch "{branch}-{session_id}". credential, if non-empty, is
// injected into the remote URL for the clone only, then scrubbed so no
// token is persisted in the worktree's .git/config. Network errors are
// retried up to three times with a short backoff; a partial clone always
// leaves path removed before returning an error.
func (p *Provisioner) Clone(ctx context.Context, path, sessionID, repoURL, branch, credential string) error {
	if repoURL == "" {
		return nil
	}
	if branch == "" {
		branch = "main"
	}

	cloneURL, err := withCredential(repoURL, credential)
	if err != nil {
		return fmt.Errorf("prepare clone url: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxCloneAttempts; attempt++ {
		attempts++
		lastErr = p.attemptClone(ctx, path, cloneURL, repoURL, branch)
		if lastErr == nil {
			break
		}
		if isPermissionError(lastErr) {
			break // permission errors are fatal, not retried
		}
		if attempt < maxCloneAttempts {
			slog.Warn("git clone attempt failed, retrying", "session_id", sessionID, "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxCloneAttempts
			case <-time.After(p.cloneBackoff * time.Duration(attempt)):
			}
		}
	}

	if lastErr != nil {
		_ = os.RemoveAll(path) // a partial clone is always inconsistent; never return it
		return fmt.Errorf("git clone failed after %d attempts: %w", attempts, lastErr)
	}
	return nil
}

func (p *Provisioner) attemptClone(ctx context.Context, path, cloneURL, originURL, branch string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("clean workspace dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--single-branch", cloneURL, path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(string(output)))
	}

	// Scrub credentials from the persisted remote before creating the
	// session-specific feature branch.
	cmd = exec.CommandContext(ctx, "git", "-C", path, "remote", "set-url", "origin", originURL)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sanitize origin url: %w: %s", err, strings.TrimSpace(string(output)))
	}

	featureBranch := fmt.Sprintf("%s-%s", branch, filepath.Base(path))
	cmd = exec.CommandContext(ctx, "git", "-C", path, "checkout", "-b", featureBranch)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create feature branch %s: %w: %s", featureBranch, err, strings.TrimSpace(string(output)))
	}

	return nil
}

// Destroy recursively deletes a workspace directory. Called only on explicit
// session deletion, never on idle eviction, so a suspended session can
// reattach to its retained workspace.
func (p *Provisioner) Destroy(path string) error {
	if path == "" || path == "/" || path == p.root {
		return fmt.Errorf("refusing to destroy unsafe path: %q", path)
	}
	return os.RemoveAll(path)
}

func withCredential(repoURL, credential string) (string, error) {
	if credential == "" {
		return repoURL, nil
	}
	if !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	return strings.Replace(repoURL, "https://", fmt.Sprintf("https://x-access-token:%s@", credential), 1), nil
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "authentication failed") || strings.Contains(msg, "403")
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
