package firmware

import (
	"bufio"
	"bytes"
	"context"
	"expvar"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/extremofile"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/internal/filestore"
	"github.com/temoto/wolk/log2"
)

const EnvFirmwareFile = "WOLK_FIRMWARE_FILE"

var statInstallBytes = expvar.NewInt("firmware.install_bytes")

type FileReader interface {
	Read(name string) ([]byte, error)
}

type versionStorage interface {
	Read() ([]byte, error)
}

type CommandInstallerOptions struct {
	// program and arguments separated by spaces, file path is appended
	Command        string
	Store          FileReader
	VersionPath    string
	DefaultVersion string
	Log            *log2.Log
}

// CommandInstaller runs external program with firmware file path as last argument.
// Last non-empty line of program stdout is new firmware version.
// Only one installation runs at a time.
type CommandInstaller struct {
	alive          *alive.Alive
	argv           []string
	store          FileReader
	version        versionStorage
	versionPath    string
	defaultVersion string
	log            *log2.Log

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ Installer = &CommandInstaller{}

func NewCommandInstaller(opt CommandInstallerOptions) (*CommandInstaller, error) {
	argv := strings.Fields(opt.Command)
	if len(argv) == 0 {
		return nil, errors.NotValidf("firmware install command empty")
	}
	if opt.Store == nil {
		return nil, errors.NotValidf("firmware installer store nil")
	}
	i := &CommandInstaller{
		alive:          alive.NewAlive(),
		argv:           argv,
		store:          opt.Store,
		defaultVersion: opt.DefaultVersion,
		log:            opt.Log,
	}
	if opt.VersionPath != "" {
		i.versionPath = opt.VersionPath
		i.version = extremofile.New(extremofile.Config{Dir: opt.VersionPath, DirPerm: 0755, FilePerm: 0644})
	}
	return i, nil
}

// OnInstallCommand is rejected with UNSPECIFIED_ERROR while aborted
// installation is still running or after Close.
func (i *CommandInstaller) OnInstallCommand(c *Coordinator, fileName string) {
	i.mu.Lock()
	busy := i.cancel != nil
	started := !busy && i.alive.Add(1)
	if started {
		ctx, cancel := context.WithCancel(context.Background())
		i.cancel = cancel
		go i.run(ctx, c, fileName)
	}
	i.mu.Unlock()
	if !started {
		i.log.Errorf("firmware install file=%s rejected busy=%t", fileName, busy)
		i.finish(c, "", ErrorUnspecified)
	}
}

func (i *CommandInstaller) OnAbortCommand(c *Coordinator) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.log.Infof("firmware installation abort")
		i.cancel()
	}
}

func (i *CommandInstaller) OnFirmwareVersion(c *Coordinator) {
	if err := c.PublishFirmwareVersion(i.Version()); err != nil {
		i.log.Error(err)
	}
}

// Version returns last installed version or default.
func (i *CommandInstaller) Version() string {
	if i.version == nil {
		return i.defaultVersion
	}
	b, err := i.version.Read()
	if b == nil {
		if err != nil {
			i.log.Errorf("firmware version read err=%v", err)
		}
		return i.defaultVersion
	}
	return string(b)
}

// Close cancels running installation and waits.
func (i *CommandInstaller) Close() {
	i.mu.Lock()
	if i.cancel != nil {
		i.cancel()
	}
	i.mu.Unlock()
	i.alive.Stop()
	i.alive.Wait()
}

func (i *CommandInstaller) run(ctx context.Context, c *Coordinator, fileName string) {
	defer i.alive.Done()

	version, err := i.install(ctx, fileName)
	i.mu.Lock()
	aborted := ctx.Err() != nil
	i.cancel()
	i.cancel = nil
	i.mu.Unlock()

	switch {
	case err != nil && aborted: // ABORTED is already reported
		i.log.Infof("firmware install file=%s aborted", fileName)

	case err != nil:
		i.log.Errorf("firmware install file=%s err=%v", fileName, errors.ErrorStack(err))
		code := ErrorInstallationFailed
		if errors.IsNotFound(err) {
			code = ErrorFileNotPresent
		}
		i.finish(c, "", code)

	default:
		// command succeeded, firmware is changed even if abort came late
		if version != "" && i.versionPath != "" {
			if err := filestore.Replace(i.versionPath, []byte(version)); err != nil {
				i.log.Errorf("firmware version write err=%v", err)
				i.finish(c, "", ErrorFileSystem)
				return
			}
		}
		i.log.Infof("firmware install file=%s completed version=%s", fileName, version)
		i.finish(c, StatusCompleted, "")
	}
}

func (i *CommandInstaller) finish(c *Coordinator, status Status, code ErrorCode) {
	if _, err := c.FinishInstallation(status, code); err != nil {
		i.log.Error(err)
	}
}

func (i *CommandInstaller) install(ctx context.Context, fileName string) (string, error) {
	data, err := i.store.Read(fileName)
	if err != nil {
		return "", errors.Annotate(err, "read firmware file")
	}
	tmp, err := ioutil.TempFile("", "wolk-firmware-")
	if err != nil {
		return "", errors.Annotate(err, "temp file")
	}
	defer os.Remove(tmp.Name())
	_, err = helpers.NewStatWriter(tmp, statInstallBytes, 0).Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Annotate(err, "temp file write")
	}

	args := append(append([]string(nil), i.argv[1:]...), tmp.Name())
	cmd := exec.CommandContext(ctx, i.argv[0], args...)
	cmd.Env = append(os.Environ(), EnvFirmwareFile+"="+fileName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	i.log.Debugf("firmware install exec=%v", cmd.Args)
	if err := cmd.Run(); err != nil {
		return "", errors.Annotatef(err, "exec %s stderr=%q", i.argv[0], stderr.String())
	}
	return lastLine(stdout.Bytes()), nil
}

func lastLine(b []byte) string {
	last := ""
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			last = line
		}
	}
	return last
}
