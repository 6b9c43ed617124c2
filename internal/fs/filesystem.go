// Package fs inspects and updates local filesystem entities.
package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sndnv/stasis-sub004/internal/model"
)

// OSFilesystem reads and restores entity metadata on the local filesystem.
type OSFilesystem struct {
	mu     sync.Mutex
	users  map[uint32]string
	groups map[uint32]string
}

// NewOSFilesystem creates a filesystem with empty owner/group name caches.
func NewOSFilesystem() *OSFilesystem {
	return &OSFilesystem{users: map[uint32]string{}, groups: map[uint32]string{}}
}

// WalkDir walks the local filesystem rooted at root.
func (m *OSFilesystem) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

// Open opens a file for reading.
func (m *OSFilesystem) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Metadata extracts the metadata of the entity at path without following symlinks.
// Checksum and crates are left empty for files.
func (m *OSFilesystem) Metadata(path string) (model.EntityMetadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	stat, err := extractStatData(info)
	if err != nil {
		return nil, err
	}

	mode := info.Mode()
	switch {
	case mode&os.ModeDevice != 0:
		return nil, fmt.Errorf("device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return nil, fmt.Errorf("named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return nil, fmt.Errorf("sockets not supported: %s", path)
	}

	var link string
	if mode&os.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("reading symlink: %w", err)
		}
	}

	hidden := strings.HasPrefix(filepath.Base(path), ".")
	created := stat.Ctime.Truncate(time.Second).UTC()
	updated := info.ModTime().Truncate(time.Second).UTC()
	owner := m.userName(stat.UID)
	group := m.groupName(stat.GID)
	permissions := FormatPermissions(mode)

	if info.IsDir() {
		return &model.DirectoryMetadata{
			Path:        path,
			IsHidden:    hidden,
			Created:     created,
			Updated:     updated,
			Owner:       owner,
			Group:       group,
			Permissions: permissions,
		}, nil
	}

	size := info.Size()
	if link != "" {
		size = 0
	}

	return &model.FileMetadata{
		Path:        path,
		Size:        size,
		Link:        link,
		IsHidden:    hidden,
		Created:     created,
		Updated:     updated,
		Owner:       owner,
		Group:       group,
		Permissions: permissions,
	}, nil
}

// ApplyMetadata restores permissions, ownership and timestamps. Ownership is
// best effort: changing it without the required privileges is skipped.
func (m *OSFilesystem) ApplyMetadata(path string, entity model.EntityMetadata) error {
	var link, owner, group, permissions string
	var updated time.Time

	switch e := entity.(type) {
	case *model.FileMetadata:
		link, owner, group, permissions, updated = e.Link, e.Owner, e.Group, e.Permissions, e.Updated
	case *model.DirectoryMetadata:
		link, owner, group, permissions, updated = e.Link, e.Owner, e.Group, e.Permissions, e.Updated
	default:
		return fmt.Errorf("unexpected entity metadata type: %T", entity)
	}

	if err := m.applyOwnership(path, owner, group); err != nil {
		return err
	}

	// chmod and chtimes would follow the link
	if link != "" {
		return nil
	}

	mode, err := ParsePermissions(permissions)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Chtimes(path, updated, updated); err != nil {
		return fmt.Errorf("setting timestamps: %w", err)
	}
	return nil
}

func (m *OSFilesystem) applyOwnership(path, owner, group string) error {
	uid, gid := -1, -1
	if u, err := user.Lookup(owner); err == nil {
		uid, _ = strconv.Atoi(u.Uid)
	} else if id, err := strconv.Atoi(owner); err == nil {
		uid = id
	}
	if g, err := user.LookupGroup(group); err == nil {
		gid, _ = strconv.Atoi(g.Gid)
	} else if id, err := strconv.Atoi(group); err == nil {
		gid = id
	}
	if uid < 0 && gid < 0 {
		return nil
	}

	if err := os.Lchown(path, uid, gid); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil
		}
		return fmt.Errorf("setting ownership: %w", err)
	}
	return nil
}

func (m *OSFilesystem) userName(uid uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name, ok := m.users[uid]; ok {
		return name
	}
	id := strconv.FormatUint(uint64(uid), 10)
	name := id
	if u, err := user.LookupId(id); err == nil {
		name = u.Username
	}
	m.users[uid] = name
	return name
}

func (m *OSFilesystem) groupName(gid uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name, ok := m.groups[gid]; ok {
		return name
	}
	id := strconv.FormatUint(uint64(gid), 10)
	name := id
	if g, err := user.LookupGroupId(id); err == nil {
		name = g.Name
	}
	m.groups[gid] = name
	return name
}

// FormatPermissions renders permission bits as e.g. "rwxr-xr-x".
func FormatPermissions(mode fs.FileMode) string {
	return mode.Perm().String()[1:]
}

// ParsePermissions reverses FormatPermissions.
func ParsePermissions(s string) (fs.FileMode, error) {
	const symbols = "rwxrwxrwx"
	if len(s) != len(symbols) {
		return 0, fmt.Errorf("invalid permissions: %q", s)
	}

	var mode fs.FileMode
	for i := range len(symbols) {
		switch s[i] {
		case symbols[i]:
			mode |= 1 << uint(len(symbols)-1-i)
		case '-':
		default:
			return 0, fmt.Errorf("invalid permissions: %q", s)
		}
	}
	return mode, nil
}
