package tools

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/fyrsmithlabs/scaffoldd/internal/identity"
)

// Package formats.
const (
	FormatZip    = "zip"
	FormatTar    = "tar"
	FormatGit    = "git"
	FormatFolder = "folder"
)

// DescribeFormat returns a human description of a packaging format.
func DescribeFormat(format string) string {
	switch format {
	case FormatZip:
		return "a ZIP archive"
	case FormatTar:
		return "a gzip-compressed tar archive (.tar.gz)"
	case FormatGit:
		return "a git repository with the current project committed"
	case FormatFolder:
		return "a plain folder copy of the project"
	}
	return "an unknown format"
}

// packageProject snapshots workdir into downloadsDir/<taskId>/<id>[.ext].
func (e *LocalExecutor) packageProject(ctx context.Context, p Params) (*Result, error) {
	workdir, err := p.RequireString("workdir")
	if err != nil {
		return nil, err
	}
	format, err := p.RequireString("format")
	if err != nil {
		return nil, err
	}
	taskID, err := p.RequireString("taskId")
	if err != nil {
		return nil, err
	}
	id, err := p.RequireString("id")
	if err != nil {
		return nil, err
	}
	if filepath.Base(taskID) != taskID || filepath.Base(id) != id {
		return nil, fmt.Errorf("%w: ids must not contain path separators", ErrInvalidParams)
	}
	includeNodeModules := p.Bool("includeNodeModules")

	files, err := projectFiles(workdir, includeNodeModules)
	if err != nil {
		return &Result{Error: fmt.Sprintf("scan project: %v", err)}, nil
	}
	if len(files) == 0 {
		return &Result{Error: "project has no files"}, nil
	}

	outDir := filepath.Join(e.downloadsDir, taskID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return &Result{Error: err.Error()}, nil
	}

	var target string
	switch format {
	case FormatZip:
		target = filepath.Join(outDir, id+".zip")
		err = writeZip(ctx, target, workdir, files)
	case FormatTar:
		target = filepath.Join(outDir, id+".tar.gz")
		err = writeTarGz(ctx, target, workdir, files)
	case FormatFolder:
		target = filepath.Join(outDir, id)
		err = copyTree(ctx, target, workdir, files)
	case FormatGit:
		target = filepath.Join(outDir, id)
		err = writeGitRepo(ctx, target, workdir, files, p.String("name"))
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidParams, format)
	}
	if err != nil {
		_ = os.RemoveAll(target)
		return &Result{Error: fmt.Sprintf("package %s: %v", format, err)}, nil
	}

	return &Result{
		Success: true,
		Output:  fmt.Sprintf("packaged %d files as %s", len(files), DescribeFormat(format)),
		Data: map[string]any{
			"path":   target,
			"format": format,
			"files":  len(files),
		},
	}, nil
}

func writeZip(ctx context.Context, target, root string, files []string) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err := copyFileTo(w, src); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func writeTarGz(ctx context.Context, target, root string, files []string) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if err := copyFileTo(tw, src); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func copyTree(ctx context.Context, target, root string, files []string) error {
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(root, filepath.FromSlash(rel))
		dst := filepath.Join(target, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		err = copyFileTo(out, src)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeGitRepo(ctx context.Context, target, root string, files []string, name string) error {
	if err := copyTree(ctx, target, root, files); err != nil {
		return err
	}
	repo, err := git.PlainInit(target, false)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if _, err := wt.Add(rel); err != nil {
			return fmt.Errorf("add %s: %w", rel, err)
		}
	}
	msg := "Initial snapshot"
	if name != "" {
		msg = fmt.Sprintf("Initial snapshot of %s", name)
	}
	author := identity.CommitAuthor()
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func copyFileTo(w io.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}
