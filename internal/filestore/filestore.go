// Package filestore keeps received files, one extremofile directory per file.
package filestore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/wolk/log2"
)

type File struct {
	Name string
	Size int64
}

const (
	dirPerm  = 0755
	filePerm = 0644
	// extremofile layout: content followed by crc64
	checkSize  = 8
	mainFile   = extremofile.DefaultFilePrefix + "v1.main"
	backupFile = extremofile.DefaultFilePrefix + "v1.backup"
)

type storage interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// Dir contract:
// - Put replaces whole content, each copy is renamed into place
// - content is checksummed, corrupted main copy is restored from backup
// - absent file is NotFound, bad name is NotValid
// - names starting with dot are reserved for staging
type Dir struct {
	sync.Mutex
	log  *log2.Log
	root string
}

func New(root string, log *log2.Log) (*Dir, error) {
	if root == "" {
		return nil, errors.NotValidf("filestore root empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Annotatef(err, "filestore root=%s", root)
	}
	return &Dir{log: log, root: root}, nil
}

func (d *Dir) Root() string { return d.root }

// GetFile checks presence without reading content.
// Checksum is verified by Read.
func (d *Dir) GetFile(name string) (*File, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	d.Lock()
	defer d.Unlock()
	var lastErr error
	for _, fn := range []string{mainFile, backupFile} {
		fi, err := os.Stat(filepath.Join(d.path(name), fn))
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			lastErr = err
		case !fi.Mode().IsRegular() || fi.Size() < checkSize:
			lastErr = errors.Errorf("%s size=%d", fn, fi.Size())
		default:
			return &File{Name: name, Size: fi.Size() - checkSize}, nil
		}
	}
	if lastErr != nil {
		return nil, errors.Annotatef(lastErr, "filestore file=%s", name)
	}
	return nil, errors.NotFoundf("file=%s", name)
}

func (d *Dir) Read(name string) ([]byte, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	d.Lock()
	defer d.Unlock()
	if _, err := os.Stat(d.path(name)); os.IsNotExist(err) {
		return nil, errors.NotFoundf("file=%s", name)
	}
	tbegin := time.Now()
	b, err := d.storage(name).Read()
	d.log.Debugf("filestore file=%s read duration=%v", name, time.Since(tbegin))
	if b == nil {
		if err != nil {
			return nil, errors.Annotatef(err, "filestore file=%s read", name)
		}
		return nil, errors.NotFoundf("file=%s", name)
	}
	if err != nil {
		d.log.Errorf("filestore file=%s ignore non-critical storage err=%v", name, err)
	}
	return b, nil
}

func (d *Dir) Put(name string, data []byte) (*File, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	d.Lock()
	defer d.Unlock()
	tbegin := time.Now()
	err := Replace(d.path(name), data)
	d.log.Debugf("filestore file=%s len=%d write duration=%v", name, len(data), time.Since(tbegin))
	if err != nil {
		return nil, errors.Annotatef(err, "filestore file=%s write", name)
	}
	return &File{Name: name, Size: int64(len(data))}, nil
}

func (d *Dir) Remove(name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	d.Lock()
	defer d.Unlock()
	p := d.path(name)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return errors.NotFoundf("file=%s", name)
	}
	return errors.Annotatef(os.RemoveAll(p), "filestore file=%s remove", name)
}

// List returns sorted file names.
func (d *Dir) List() ([]string, error) {
	d.Lock()
	defer d.Unlock()
	infos, err := ioutil.ReadDir(d.root)
	if err != nil {
		return nil, errors.Annotate(err, "filestore list")
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() && ValidName(fi.Name()) == nil {
			names = append(names, fi.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ValidName rejects names which could escape store root.
func ValidName(name string) error {
	switch {
	case name == "", strings.HasPrefix(name, "."):
		return errors.NotValidf("file name=%q", name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return errors.NotValidf("file name=%q", name)
	}
	return nil
}

func (d *Dir) path(name string) string { return filepath.Join(d.root, name) }

func (d *Dir) storage(name string) storage { return newStorage(d.path(name)) }

func newStorage(dir string) storage {
	return extremofile.New(extremofile.Config{
		Dir:      dir,
		DirPerm:  dirPerm,
		FilePerm: filePerm,
	})
}

// Replace writes data as extremofile in dir.
// Storage writes in place without truncate, so copies are written
// into hidden staging directory next to dir and renamed over old ones.
func Replace(dir string, data []byte) error {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(dir), dirPerm); err != nil {
		return errors.Annotate(err, "mkdir")
	}
	staging, err := ioutil.TempDir(filepath.Dir(dir), "."+filepath.Base(dir)+".")
	if err != nil {
		return errors.Annotate(err, "staging")
	}
	defer os.RemoveAll(staging)

	// storage appends checksum to given slice
	b := make([]byte, len(data), len(data)+checkSize)
	copy(b, data)
	if _, err := newStorage(staging).Write(b); err != nil {
		return errors.Annotate(err, "staging write")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Annotate(err, "mkdir")
	}
	// main last, reader prefers main copy
	for _, fn := range []string{backupFile, mainFile} {
		if err := os.Rename(filepath.Join(staging, fn), filepath.Join(dir, fn)); err != nil {
			return errors.Annotatef(err, "rename %s", fn)
		}
	}
	return nil
}
