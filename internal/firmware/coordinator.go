package firmware

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/wolk/internal/filestore"
	"github.com/temoto/wolk/log2"
	"github.com/temoto/wolk/transport"
)

type Status string

const (
	StatusInstallation Status = "INSTALLATION"
	StatusCompleted    Status = "COMPLETED"
	StatusError        Status = "ERROR"
	StatusAborted      Status = "ABORTED"
)

type ErrorCode string

const (
	ErrorUnspecified        ErrorCode = "UNSPECIFIED_ERROR"
	ErrorFileNotPresent     ErrorCode = "FILE_NOT_PRESENT"
	ErrorFileSystem         ErrorCode = "FILE_SYSTEM_ERROR"
	ErrorInstallationFailed ErrorCode = "INSTALLATION_FAILED"
)

const (
	TopicInstall = "firmware_update_install"
	TopicAbort   = "firmware_update_abort"
	TopicStatus  = "firmware_update_status"
	TopicVersion = "firmware_version_update"
)

type State int32

const (
	StateIdle State = iota
	StateInstalling
)

func (s State) String() string {
	if s == StateInstalling {
		return "installing"
	}
	return "idle"
}

type FileStore interface {
	GetFile(name string) (*filestore.File, error)
}

// Installer performs actual firmware installation.
// Must eventually report outcome with Coordinator.FinishInstallation.
type Installer interface {
	OnInstallCommand(c *Coordinator, fileName string)
	OnAbortCommand(c *Coordinator)
	// must call c.PublishFirmwareVersion
	OnFirmwareVersion(c *Coordinator)
}

type Options struct {
	Transport transport.Transporter
	Store     FileStore
	Installer Installer
	Log       *log2.Log
}

type installCommand struct {
	FileName string `json:"fileName"`
}

type statusReport struct {
	Status Status    `json:"status,omitempty"`
	Error  ErrorCode `json:"error,omitempty"`
}

// Coordinator contract:
// - every incoming command is handled in separate goroutine
// - install with absent file reports FILE_NOT_PRESENT, installer is not called
// - install while installing reports UNSPECIFIED_ERROR, state is unchanged
// - abort reports ABORTED in any state
// - installation outcome after abort is dropped
// - every status report is followed by firmware version report
type Coordinator struct {
	alive     *alive.Alive
	log       *log2.Log
	transport transport.Transporter
	store     FileStore
	installer Installer

	mu    sync.Mutex
	state State
	// serializes state transitions with their reports
	reportMu sync.Mutex

	topicInstall string
	topicAbort   string
	topicStatus  string
	topicVersion string
}

func NewCoordinator(opt Options) (*Coordinator, error) {
	switch {
	case opt.Transport == nil:
		return nil, errors.NotValidf("firmware coordinator transport nil")
	case opt.Store == nil:
		return nil, errors.NotValidf("firmware coordinator store nil")
	case opt.Installer == nil:
		return nil, errors.NotValidf("firmware coordinator installer nil")
	}
	id := opt.Transport.ClientID()
	return &Coordinator{
		alive:        alive.NewAlive(),
		log:          opt.Log,
		transport:    opt.Transport,
		store:        opt.Store,
		installer:    opt.Installer,
		topicInstall: transport.TopicIn(TopicInstall, id),
		topicAbort:   transport.TopicIn(TopicAbort, id),
		topicStatus:  transport.TopicOut(TopicStatus, id),
		topicVersion: transport.TopicOut(TopicVersion, id),
	}, nil
}

func (c *Coordinator) Subscribe() error {
	if err := c.transport.Subscribe(c.topicInstall, c.onInstallMessage); err != nil {
		return errors.Annotate(err, "firmware subscribe install")
	}
	if err := c.transport.Subscribe(c.topicAbort, c.onAbortMessage); err != nil {
		return errors.Annotate(err, "firmware subscribe abort")
	}
	return nil
}

// Close waits for running command handlers.
func (c *Coordinator) Close() {
	c.alive.Stop()
	c.alive.Wait()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) OnInstallCommand(fileName string) {
	c.log.Infof("firmware install command file=%s", fileName)
	if _, err := c.store.GetFile(fileName); err != nil {
		code := ErrorFileSystem
		if errors.IsNotFound(err) || errors.IsNotValid(err) {
			code = ErrorFileNotPresent
		}
		c.log.Errorf("firmware install file=%s err=%v", fileName, err)
		c.publishRejected(code, "firmware install")
		return
	}

	c.reportMu.Lock()
	if c.State() == StateInstalling {
		c.reportMu.Unlock()
		c.log.Errorf("firmware install file=%s rejected, installation is running", fileName)
		c.publishRejected(ErrorUnspecified, "firmware install")
		return
	}
	err := c.PublishStatus(StatusInstallation)
	c.reportMu.Unlock()
	if err != nil {
		c.log.Error(errors.Annotate(err, "firmware install"))
	}
	c.installer.OnInstallCommand(c, fileName)
}

// OnAbortCommand reports ABORTED even if nothing is installing.
func (c *Coordinator) OnAbortCommand() {
	c.reportMu.Lock()
	c.log.Infof("firmware abort command state=%s", c.State())
	err := c.PublishStatus(StatusAborted)
	c.reportMu.Unlock()
	if err != nil {
		c.log.Error(errors.Annotate(err, "firmware abort"))
	}
	c.installer.OnAbortCommand(c)
}

// FinishInstallation reports installation outcome: error when code is set, status otherwise.
// Returns false without publishing when installation is not running, i.e. it was aborted.
func (c *Coordinator) FinishInstallation(status Status, code ErrorCode) (bool, error) {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	if c.State() != StateInstalling {
		c.log.Infof("firmware outcome status=%s error=%s dropped, installation is closed", status, code)
		return false, nil
	}
	if code != "" {
		return true, c.PublishError(code)
	}
	return true, c.PublishStatus(status)
}

func (c *Coordinator) PublishStatus(status Status) error {
	switch status {
	case StatusInstallation:
		c.setState(StateInstalling)
	default:
		c.setState(StateIdle)
	}
	return c.publishReport(statusReport{Status: status})
}

func (c *Coordinator) PublishError(code ErrorCode) error {
	c.setState(StateIdle)
	return c.publishReport(statusReport{Error: code})
}

func (c *Coordinator) PublishFirmwareVersion(version string) error {
	c.log.Debugf("firmware publish version=%s", version)
	return errors.Annotate(c.transport.Publish(c.topicVersion, []byte(version)), "firmware publish version")
}

func (c *Coordinator) publishReport(r statusReport) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Annotate(err, "firmware report marshal")
	}
	c.log.Debugf("firmware publish report=%s", b)
	err = c.transport.Publish(c.topicStatus, b)
	c.installer.OnFirmwareVersion(c)
	return errors.Annotate(err, "firmware publish status")
}

// publishRejected reports command failure without touching running installation.
func (c *Coordinator) publishRejected(code ErrorCode, tag string) {
	if err := c.publishReport(statusReport{Error: code}); err != nil {
		c.log.Error(errors.Annotate(err, tag))
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) onInstallMessage(topic string, payload []byte) {
	var cmd installCommand
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.FileName == "" {
		c.log.Errorf("firmware install command invalid payload=%q err=%v", payload, err)
		c.dispatch(func() { c.publishRejected(ErrorUnspecified, "firmware install command") })
		return
	}
	c.dispatch(func() { c.OnInstallCommand(cmd.FileName) })
}

func (c *Coordinator) onAbortMessage(topic string, payload []byte) {
	c.dispatch(c.OnAbortCommand)
}

func (c *Coordinator) dispatch(f func()) {
	if !c.alive.Add(1) {
		c.log.Errorf("firmware coordinator closed, command dropped")
		return
	}
	go func() {
		defer c.alive.Done()
		f()
	}()
}
