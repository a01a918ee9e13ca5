package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath"
	"github.com/slackhq/txpath/config"
	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/nic"
	"github.com/slackhq/txpath/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	generate := flag.Bool("generate", false, "Send generator.* traffic through the loopback device and exit")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	mapper := dma.NewPinMapper(c.GetInt("nic.max_mappings", 0))
	wire := newWireStats()
	lb, err := nic.NewLoopback(l, mapper,
		nic.WithPIOBuffers(c.GetInt("nic.pio_buffers", 8), c.GetInt("tx.pio.size", txpath.DefaultPIOSize)),
		nic.WithSink(wire.record),
	)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to create the loopback device", err, l)
		os.Exit(1)
	}

	ctrl, err := txpath.Main(c, *configTest, Build, l, lb, mapper)
	if err != nil {
		_ = lb.Close()
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		_ = lb.Close()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.CatchHUP(ctx)

	lb.Attach(ctrl.Engine())
	ctrl.Start()
	l.WithField("files", c.Files()).Info("Loaded config")
	notifyReady(l, ctrl.Engine())

	if *generate {
		err = runGenerator(ctx, l, c, ctrl.Engine())
		if err != nil {
			l.WithError(err).Error("Traffic generator failed")
		}
		wire.log(l)
		notifyStopping(l)
		cancel()
		_ = lb.Close()
		ctrl.Stop()
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctrl.ShutdownBlock()
	notifyStopping(l)
	cancel()
	if err := lb.Close(); err != nil {
		l.WithError(err).Error("Failed to close the loopback device")
	}
	os.Exit(0)
}
