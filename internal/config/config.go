package config

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/log2"
	transport_config "github.com/temoto/wolk/transport/config"
)

const DefaultFirmwareVersion = "1.0.0"

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Device struct {
		Key             string `hcl:"key"`
		Password        string `hcl:"password"` // secret
		FirmwareVersion string `hcl:"firmware_version"`
	} `hcl:"device"`

	Mqtt transport_config.Config `hcl:"mqtt"`

	FileManagement struct {
		Enable      bool   `hcl:"enable"`
		StorePath   string `hcl:"store_path"`
		MaxFileSize int    `hcl:"max_file_size"`
		URLDownload bool   `hcl:"url_download"`
	} `hcl:"file_management"`

	FirmwareUpdate struct {
		Enable         bool   `hcl:"enable"`
		InstallCommand string `hcl:"install_command"`
		VersionPath    string `hcl:"version_path"`
	} `hcl:"firmware_update"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Transport returns MQTT config with device credentials.
func (c *Config) Transport() transport_config.Config {
	tc := c.Mqtt
	tc.ClientID = c.Device.Key
	tc.Password = c.Device.Password
	return tc
}

func (c *Config) FirmwareVersion() string {
	if c.Device.FirmwareVersion == "" {
		return DefaultFirmwareVersion
	}
	return c.Device.FirmwareVersion
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Device.Key == "" {
		errs = append(errs, errors.NotValidf("config device.key empty"))
	}
	if c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("config mqtt.broker empty"))
	}
	if c.FileManagement.Enable {
		if c.FileManagement.StorePath == "" {
			errs = append(errs, errors.NotValidf("config file_management.store_path empty"))
		}
		if c.FileManagement.MaxFileSize < 0 {
			errs = append(errs, errors.NotValidf("config file_management.max_file_size=%d", c.FileManagement.MaxFileSize))
		}
	}
	if c.FirmwareUpdate.Enable {
		if !c.FileManagement.Enable {
			errs = append(errs, errors.NotValidf("config firmware_update requires file_management"))
		}
		if c.FirmwareUpdate.InstallCommand == "" {
			errs = append(errs, errors.NotValidf("config firmware_update.install_command empty"))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read merges sources in order, later values overwrite earlier.
// OsFullReader without base resolves relative includes against first source directory.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config sources empty")
	}
	if osfs, ok := fs.(*OsFullReader); ok && osfs.base == "" {
		if err := osfs.SetBase(filepath.Dir(names[0])); err != nil {
			return nil, err
		}
	}

	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustRead(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := Read(log, fs, names...)
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
