package flatpak

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// A Flatpak installation looks like this:
//
//	flatpak/
//	├── app/
//	│   └── org.gnome.TextEditor/
//	│       ├── current -> x86_64/stable
//	│       └── x86_64/stable/
//	│           ├── <commit>/…
//	│           └── active -> <commit>
//	├── repo/
//	│   ├── config
//	│   ├── objects/
//	│   └── tmp/cache/
//	└── runtime/
//	    └── org.gnome.Platform/x86_64/49/
//	        ├── active -> <commit>
//	        └── <commit>/…
//
// BuildView reproduces exactly the subset of that tree a single
// application needs. The view is assembled on a detached clone of the
// target directory, sealed read-only with mount_setattr, and only then
// attached, so nothing else in the source installation is ever
// reachable from it — not even transiently.

// View resolution errors.
var (
	ErrNoBranch   = errors.New(`can't infer branch from "current" link`)
	ErrNotRegular = errors.New("app metadata is not a regular file")
)

// Params identifies the application the view was built for. The VM
// launcher consumes these as one file per field.
type Params struct {
	// ID is the application id (e.g. org.gnome.TextEditor).
	ID string

	// Commit is the app's active commit hash.
	Commit string

	// Arch and Branch come from the app's "current" link.
	Arch   string
	Branch string

	// RuntimeCommit is the active commit of the runtime the app's
	// metadata declares.
	RuntimeCommit string
}

// Write stores the parameters under dir, one file per field.
func (p *Params) Write(dir string) error {
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("creating params directory: %w", err)
	}
	files := []struct {
		name, value string
	}{
		{"id", p.ID},
		{"commit", p.Commit},
		{"arch", p.Arch},
		{"branch", p.Branch},
		{"runtime-commit", p.RuntimeCommit},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.value), 0o644); err != nil {
			return fmt.Errorf("writing params/%s: %w", f.name, err)
		}
	}
	return nil
}

// BuildView populates target (created here; it must not exist) with a
// view of app from the installation rooted at source: the app's active
// commit, the active commit of the runtime its metadata declares, and
// a usable ostree repo skeleton with repoConfig bind-mounted as its
// config. The assembled tree is made recursively read-only and nodev
// with slave propagation before it becomes visible at target.
func BuildView(source, target, repoConfig, app string) (*Params, error) {
	srcRoot, err := unix.Open(source, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening source flatpak installation: %w", err)
	}
	defer unix.Close(srcRoot)

	// app/<id>/current names the arch and branch; the commit dir's
	// active link names the commit.
	archBranch, err := readlinkAt(srcRoot, path.Join("app", app, "current"))
	if err != nil {
		return nil, fmt.Errorf("reading current app arch and branch: %w", err)
	}
	arch, branch, err := splitCurrent(archBranch)
	if err != nil {
		return nil, err
	}

	appParent := path.Join("app", app, archBranch)
	commit, err := readlinkAt(srcRoot, path.Join(appParent, "active"))
	if err != nil {
		return nil, fmt.Errorf("reading active app commit: %w", err)
	}
	appCommit := path.Join(appParent, commit)

	metadata, err := readRegularAt(srcRoot, path.Join(appCommit, "metadata"))
	if err != nil {
		return nil, fmt.Errorf("reading app metadata: %w", err)
	}
	runtime, err := ExtractRuntime(metadata)
	if err != nil {
		return nil, err
	}

	runtimeParent := path.Join("runtime", runtime)
	runtimeCommit, err := readlinkAt(srcRoot, path.Join(runtimeParent, "active"))
	if err != nil {
		return nil, fmt.Errorf("reading active runtime commit: %w", err)
	}

	if err := assemble(srcRoot, target, repoConfig,
		appCommit, path.Join(runtimeParent, runtimeCommit)); err != nil {
		return nil, err
	}

	return &Params{
		ID:            app,
		Commit:        commit,
		Arch:          arch,
		Branch:        branch,
		RuntimeCommit: runtimeCommit,
	}, nil
}

// assemble builds the view on a detached clone of a fresh target
// directory, seals it, and attaches it.
func assemble(srcRoot int, target, repoConfig string, commits ...string) error {
	if err := os.Mkdir(target, 0o755); err != nil {
		return fmt.Errorf("creating target flatpak installation: %w", err)
	}
	tree, err := unix.OpenTree(unix.AT_FDCWD, target,
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE|unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return fmt.Errorf("opening target flatpak installation: %w", err)
	}
	defer unix.Close(tree)

	for _, rel := range commits {
		if err := mountCommit(srcRoot, tree, rel); err != nil {
			return err
		}
	}

	// The bind-mounted repo needs its working directories to be usable
	// by the guest's flatpak.
	if err := mkdirAllAt(tree, "repo/objects", 0o700); err != nil {
		return err
	}
	if err := mkdirAllAt(tree, "repo/tmp/cache", 0o700); err != nil {
		return err
	}
	if err := mountConfig(tree, repoConfig); err != nil {
		return err
	}

	if err := seal(tree); err != nil {
		return err
	}

	if err := unix.MoveMount(tree, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return fmt.Errorf("mounting target installation dir: %w", err)
	}
	return nil
}

// mountCommit clones the subtree at rel under the source root and
// attaches it at the same path inside the detached target tree.
func mountCommit(srcRoot, tree int, rel string) error {
	fd, err := unix.OpenTree(srcRoot, rel,
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err != nil {
		return fmt.Errorf("cloning source commit tree %s: %w", rel, err)
	}
	defer unix.Close(fd)

	if err := mkdirAllAt(tree, rel, 0o700); err != nil {
		return fmt.Errorf("creating target commit directory: %w", err)
	}
	dst, err := unix.Openat2(tree, rel, &unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	if err != nil {
		return fmt.Errorf("opening target commit directory: %w", err)
	}
	defer unix.Close(dst)

	if err := unix.MoveMount(fd, "", dst, "",
		unix.MOVE_MOUNT_F_EMPTY_PATH|unix.MOVE_MOUNT_T_EMPTY_PATH); err != nil {
		return fmt.Errorf("mounting commit %s: %w", rel, err)
	}
	return nil
}

// mountConfig creates repo/config inside the detached tree and
// bind-mounts the given config file onto it.
func mountConfig(tree int, repoConfig string) error {
	cfd, err := unix.OpenTree(unix.AT_FDCWD, repoConfig,
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC)
	if err != nil {
		return fmt.Errorf("opening %s: %w", repoConfig, err)
	}
	defer unix.Close(cfd)

	dst, err := unix.Openat2(tree, "repo/config", &unix.OpenHow{
		Flags:   unix.O_WRONLY | unix.O_CREAT | unix.O_CLOEXEC,
		Mode:    0o700,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	if err != nil {
		return fmt.Errorf("creating repo/config: %w", err)
	}
	defer unix.Close(dst)

	if err := unix.MoveMount(cfd, "", dst, "",
		unix.MOVE_MOUNT_F_EMPTY_PATH|unix.MOVE_MOUNT_T_EMPTY_PATH); err != nil {
		return fmt.Errorf("mounting config: %w", err)
	}
	return nil
}

// seal applies the guest-facing mount attributes to the whole detached
// tree: read-only and nodev set, nosymfollow cleared, slave
// propagation, recursively.
func seal(tree int) error {
	attr := unix.MountAttr{
		Attr_set:    unix.MOUNT_ATTR_RDONLY | unix.MOUNT_ATTR_NODEV,
		Attr_clr:    unix.MOUNT_ATTR_NOSYMFOLLOW,
		Propagation: unix.MS_SLAVE,
	}
	if err := unix.MountSetattr(tree, "", unix.AT_EMPTY_PATH|unix.AT_RECURSIVE, &attr); err != nil {
		return fmt.Errorf("setting target mount attributes: %w", err)
	}
	return nil
}

// splitCurrent splits a "current" link target into arch and branch:
// the first path component is the arch, the remainder the branch.
func splitCurrent(link string) (arch, branch string, err error) {
	arch, branch, ok := strings.Cut(link, "/")
	if !ok || branch == "" {
		return "", "", fmt.Errorf("%w: %q", ErrNoBranch, link)
	}
	return arch, branch, nil
}

// readlinkAt reads a symlink relative to dirfd.
func readlinkAt(dirfd int, rel string) (string, error) {
	buf := make([]byte, 512)
	n, err := unix.Readlinkat(dirfd, rel, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// readRegularAt reads a file relative to dirfd, refusing symlinks in
// the path and anything that is not a regular file.
func readRegularAt(dirfd int, rel string) ([]byte, error) {
	fd, err := unix.Openat2(dirfd, rel, &unix.OpenHow{
		Flags:   unix.O_RDONLY | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), rel)
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, st.Mode())
	}
	return io.ReadAll(f)
}

// mkdirAllAt creates rel and its parents relative to dirfd.
func mkdirAllAt(dirfd int, rel string, mode uint32) error {
	cur := ""
	for _, elem := range strings.Split(rel, "/") {
		cur = path.Join(cur, elem)
		if err := unix.Mkdirat(dirfd, cur, mode); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("creating %s: %w", cur, err)
		}
	}
	return nil
}
