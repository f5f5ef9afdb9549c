package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilserrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"scpiemulator/cmd/emulator/options"
	"scpiemulator/pkg/generic"
	baseoptions "scpiemulator/pkg/generic/options"
	"scpiemulator/pkg/version"
	"scpiemulator/pkg/version/verflag"
	"scpiemulator/pkg/web"
)

const (
	ComponentEmulator = "scpi-emulator"
)

func NewEmulatorCmd() *cobra.Command {
	cleanFlagSet := pflag.NewFlagSet(ComponentEmulator, pflag.ContinueOnError)
	o := options.NewDefaultOptions()
	cmd := &cobra.Command{
		Use:                ComponentEmulator,
		Long:               `The scpi emulator serves instrument definitions as SCPI servers over TCP and serial, with an optional web dashboard.`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// initial flag parse, since we disable cobra's flag parsing
			if err := cleanFlagSet.Parse(args); err != nil {
				klog.ErrorS(err, "Failed to parse flag")
				_ = cmd.Usage()
				os.Exit(1)
			}

			// check if there are non-flag arguments in the command line
			cmds := cleanFlagSet.Args()
			if len(cmds) > 0 {
				klog.ErrorS(nil, "Unknown command", "command", cmds[0])
				_ = cmd.Usage()
				os.Exit(1)
			}

			verflag.PrintAndExitIfRequested()
			// short-circuit on help
			baseoptions.PrintHelpAndExitIfRequested(cmd, cleanFlagSet)

			// short-circuit on defaultconfig
			baseoptions.PrintDefaultConfigAndExitIfRequested(options.NewDefaultOptions(), cleanFlagSet)

			if err := baseoptions.ParseAndApplyConfigFile(o, args); err != nil {
				return err
			}

			if errs := options.Validate(o); len(errs) != 0 {
				return utilserrors.NewAggregate(errs)
			}

			// To help debugging, immediately log version
			klog.Infof("Version: %+v", version.Get())
			return run(o)
		},
	}

	verflag.AddFlags(cleanFlagSet)
	o.AddFlags(cleanFlagSet)
	o.AddBaseFlags(cmd, cleanFlagSet)

	return cmd
}

func run(o *options.Options) error {
	stopCh := make(chan struct{})

	c, err := o.Config(stopCh)
	if err != nil {
		return err
	}

	if err := c.EmulatorMgr.StartAll(); err != nil {
		return err
	}

	exit := func(ctx context.Context) {
		if err := c.EmulatorMgr.Shutdown(ctx); err != nil {
			klog.Error(err)
		}
		if c.MQTTSink != nil {
			c.MQTTSink.Close()
		}
	}
	if o.Web {
		server, err := web.NewServer(generic.Default(), o, c)
		if err != nil {
			return err
		}
		exit, err = server.Serve()
		if err != nil {
			return err
		}
		klog.V(1).InfoS("Dashboard started", "port", o.WebPort)
	}

	// Graceful shutdown
	// Wait for interrupt signal to gracefully shutdown the server
	exitCh := make(chan os.Signal, 1)
	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	signal.Notify(exitCh, syscall.SIGINT, syscall.SIGTERM)
	<-exitCh
	ctx, cancel := context.WithTimeout(context.Background(), o.Wait)
	defer cancel()

	exit(ctx)
	close(stopCh)

	return nil
}
