package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/temoto/wolk/internal/config"
	"github.com/temoto/wolk/internal/device"
	"github.com/temoto/wolk/log2"
	"github.com/temoto/wolk/transport"
)

var BuildVersion string = "unknown" // set by ldflags -X

func main() {
	flags := pflag.NewFlagSet("wolk-device", pflag.ExitOnError)
	flagConfig := flags.StringP("config", "c", "wolk.hcl", "config file path")
	flagVersion := flags.Bool("version", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])
	if *flagVersion {
		fmt.Println(BuildVersion)
		return
	}

	logg := log2.NewStderr(log2.LInfo)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logg.SetFlags(log2.LInteractiveFlags)
	} else {
		// assume systemd journal, it adds timestamp
		logg.SetFlags(log2.LServiceFlags)
	}
	logg.Infof("wolk-device version=%s", BuildVersion)

	fs, err := config.NewOsFullReader("")
	if err != nil {
		logg.Fatal(errors.ErrorStack(err))
	}
	c := config.MustRead(logg, fs, *flagConfig)
	if c.LogDebug {
		logg.SetLevel(log2.LDebug)
	}
	plog := logg.Clone(log2.LInfo)
	plog.SetPrefix("paho: ")
	transport.SetLibraryLog(plog, c.Mqtt.LogDebug)

	d, err := device.New(c, transport.NewMqtt(), logg)
	if err != nil {
		logg.Fatal(errors.ErrorStack(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		logg.Fatal(errors.ErrorStack(err))
	}
	sdnotify(logg, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		logg.Infof("signal=%v, stopping", sig)
	case <-d.Alive.StopChan():
	}
	sdnotify(logg, daemon.SdNotifyStopping)
	d.Close()
	logg.Infof("stopped")
}

func sdnotify(logg *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		logg.Errorf("sdnotify: %v", errors.ErrorStack(err))
	}
	return ok
}
