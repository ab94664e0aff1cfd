// Package device assembles connectivity, file management and firmware update
// from config into one running device.
package device

import (
	"context"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/internal/config"
	"github.com/temoto/wolk/internal/filemanage"
	"github.com/temoto/wolk/internal/filestore"
	"github.com/temoto/wolk/internal/filetransfer"
	"github.com/temoto/wolk/internal/firmware"
	"github.com/temoto/wolk/log2"
	"github.com/temoto/wolk/transport"
)

type Device struct {
	Alive     *alive.Alive
	Config    *config.Config
	Log       *log2.Log
	Transport transport.Transporter

	Files     *filestore.Dir
	Manager   *filemanage.Manager
	Firmware  *firmware.Coordinator
	installer *firmware.CommandInstaller

	// version report retry
	backoff helpers.Backoff
}

func New(c *config.Config, tr transport.Transporter, log *log2.Log) (*Device, error) {
	if c == nil || tr == nil {
		return nil, errors.NotValidf("device config or transport nil")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Annotate(err, "device config")
	}
	return &Device{
		Alive:     alive.NewAlive(),
		Config:    c,
		Log:       log,
		Transport: tr,
		backoff:   helpers.Backoff{Min: time.Second, Max: time.Minute, K: 2},
	}, nil
}

// Start connects transport in background and subscribes enabled features.
func (d *Device) Start(ctx context.Context) error {
	if err := d.Transport.Init(ctx, d.Log, d.Config.Transport()); err != nil {
		return errors.Annotate(err, "transport init")
	}
	if err := d.initFiles(); err != nil {
		return err
	}
	if err := d.initFirmware(); err != nil {
		return err
	}
	d.Log.Infof("device key=%s started file_management=%t firmware_update=%t",
		d.Transport.ClientID(), d.Manager != nil, d.Firmware != nil)
	if d.Firmware != nil && d.Alive.Add(1) {
		go d.reportVersion()
	}
	return nil
}

// Close stops features, then transport.
func (d *Device) Close() {
	d.Alive.Stop()
	if d.Manager != nil {
		d.Manager.Close()
	}
	if d.Firmware != nil {
		d.Firmware.Close()
	}
	if d.installer != nil {
		d.installer.Close()
	}
	d.Alive.Wait()
	d.Transport.Close()
}

func (d *Device) initFiles() error {
	fm := d.Config.FileManagement
	if !fm.Enable {
		return nil
	}
	var err error
	if d.Files, err = filestore.New(fm.StorePath, d.Log); err != nil {
		return errors.Annotate(err, "file store")
	}
	opt := filemanage.Options{
		Transport:   d.Transport,
		Store:       d.Files,
		MaxFileSize: int64(fm.MaxFileSize),
		Log:         d.Log,
	}
	if fm.URLDownload {
		opt.Downloader = filetransfer.NewURLDownloader(&http.Client{}, d.Log)
	}
	if d.Manager, err = filemanage.NewManager(opt); err != nil {
		return errors.Annotate(err, "file manager")
	}
	return errors.Annotate(d.Manager.Subscribe(), "file manager")
}

func (d *Device) initFirmware() error {
	fu := d.Config.FirmwareUpdate
	if !fu.Enable {
		return nil
	}
	var err error
	d.installer, err = firmware.NewCommandInstaller(firmware.CommandInstallerOptions{
		Command:        fu.InstallCommand,
		Store:          d.Files,
		VersionPath:    fu.VersionPath,
		DefaultVersion: d.Config.FirmwareVersion(),
		Log:            d.Log,
	})
	if err != nil {
		return errors.Annotate(err, "firmware installer")
	}
	d.Firmware, err = firmware.NewCoordinator(firmware.Options{
		Transport: d.Transport,
		Store:     d.Files,
		Installer: d.installer,
		Log:       d.Log,
	})
	if err != nil {
		return errors.Annotate(err, "firmware coordinator")
	}
	return errors.Annotate(d.Firmware.Subscribe(), "firmware")
}

// reportVersion publishes firmware version once transport accepts it.
func (d *Device) reportVersion() {
	defer d.Alive.Done()
	stopch := d.Alive.StopChan()
	for {
		err := d.Firmware.PublishFirmwareVersion(d.installer.Version())
		if err == nil {
			return
		}
		delay := d.backoff.DelayAfter(false)
		d.Log.Debugf("device version report err=%v retry after=%v", err, delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return
		}
	}
}
