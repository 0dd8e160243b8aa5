package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalDir is a Transport backed by a local directory tree. It exists for
// tests and for staging setups where the remote is a mounted filesystem;
// the semantics match the agent contract (Sync mirrors with deletions).
type LocalDir struct {
	// Base is prepended to every remote path.
	Base string
}

func (l *LocalDir) resolve(remote string) string {
	return filepath.Join(l.Base, filepath.FromSlash(remote))
}

// Sync mirrors localDir into the remote path, deleting anything not
// present locally.
func (l *LocalDir) Sync(ctx context.Context, localDir, remoteDir string) error {
	dst := l.resolve(remoteDir)

	if err := os.RemoveAll(dst); err != nil {
		return &Error{Op: "sync", Err: err}
	}

	if err := copyTree(ctx, localDir, dst); err != nil {
		return &Error{Op: "sync", Err: err}
	}

	return nil
}

func (l *LocalDir) Copy(ctx context.Context, localPath, remotePath string) error {
	dst := l.resolve(remotePath)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &Error{Op: "copy", Err: err}
	}

	if err := copyFile(localPath, dst); err != nil {
		return &Error{Op: "copy", Err: err}
	}

	return nil
}

func (l *LocalDir) Pull(ctx context.Context, remoteDir, localDir string) error {
	src := l.resolve(remoteDir)

	if _, err := os.Stat(src); err != nil {
		return &Error{Op: "pull", Err: fmt.Errorf("remote dir %s: %w", remoteDir, err)}
	}

	if err := copyTree(ctx, src, localDir); err != nil {
		return &Error{Op: "pull", Err: err}
	}

	return nil
}

func (l *LocalDir) List(ctx context.Context, remoteDir string) ([]RemoteEntry, error) {
	entries, err := os.ReadDir(l.resolve(remoteDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, &Error{Op: "list", Err: err}
	}

	out := make([]RemoteEntry, 0, len(entries))

	for _, e := range entries {
		info, infoErr := e.Info()
		if infoErr != nil {
			continue
		}

		out = append(out, RemoteEntry{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   e.IsDir(),
		})
	}

	return out, nil
}

func (l *LocalDir) Delete(ctx context.Context, remotePath string) error {
	if err := os.Remove(l.resolve(remotePath)); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "delete", Err: err}
	}

	return nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if !d.Type().IsRegular() {
			// Symlinks and specials are not part of the artifact contract.
			return nil
		}

		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
