package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsdbgsuite/bsdbg/config"
	"github.com/bsdbgsuite/bsdbg/internal/cli"
	"github.com/bsdbgsuite/bsdbg/internal/inspector"
	"github.com/bsdbgsuite/bsdbg/internal/installer"
	"github.com/bsdbgsuite/bsdbg/pkg/client"
)

var (
	flagConfig     string
	flagTargetIP   string
	flagTargetPass string
	flagRun        bool
	flagRemove     bool
	flagVerbosity  int
	flagTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "bsdbg [flags] [channel.zip]",
	Short: "Remote debugger for BrightScript channels",
	Long: `bsdbg sideloads a channel onto a debug target and attaches an
interactive debugger to its control port. Without --run or --remove it
installs the channel in remote-debug mode and attaches.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagConfig, "config", "config/config.yml", "path to config file")
	flags.StringVarP(&flagTargetIP, "targetip", "t", "", "IP address of the debug target")
	flags.StringVarP(&flagTargetPass, "targetpass", "p", "", "developer password of the target")
	flags.BoolVarP(&flagRun, "run", "r", false, "upload and run the channel, but do not debug it")
	flags.BoolVar(&flagRemove, "remove", false, "remove the installed channel")
	flags.IntVarP(&flagVerbosity, "verbosity", "v", 0, "diagnostic verbosity (2 dumps raw response bytes)")
	flags.DurationVar(&flagTimeout, "timeout", 0, "connect timeout (default from config)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagTargetIP != "" {
		cfg.Target.Host = flagTargetIP
	}
	if flagTargetPass != "" {
		cfg.Installer.Password = flagTargetPass
	}
	if flagTimeout > 0 {
		cfg.Target.ConnectTimeout = flagTimeout
	}
	if flagVerbosity > 0 {
		cfg.Logging.Verbosity = flagVerbosity
	}
	if cfg.Target.Host == "" {
		return fmt.Errorf("no debug target: set --targetip or target.host in %s", flagConfig)
	}

	inst := installer.New(cfg.Target.Host, &cfg.Installer)
	if flagRemove {
		return inst.Remove()
	}

	if len(args) != 1 {
		return fmt.Errorf("a channel zip is required")
	}
	channelZip := args[0]

	insp := inspector.New(channelZip)
	if err := insp.Verify(); err != nil {
		return fmt.Errorf("bad channel file: %w", err)
	}

	if flagRun {
		return inst.Install(channelZip, false)
	}
	return debugChannel(cfg, inst, insp, channelZip)
}

func debugChannel(cfg *config.Config, inst *installer.Client, insp *inspector.Inspector, channelZip string) error {
	if err := inst.Install(channelZip, true); err != nil {
		return err
	}

	dc, err := client.Connect(cfg.Target.Host, cfg.Target.ConnectTimeout)
	if err != nil {
		return err
	}

	// Responses are decoded by a separate layer; here they are drained so
	// the target never blocks, hexdumped when asked for.
	sink, flush := newResponseSink(cfg.Logging.Verbosity, log.Writer())
	done := dc.DrainResponses(sink)

	runErr := cli.New(dc, insp).Run()

	if err := dc.Shutdown(); err != nil {
		log.Printf("[Main] shutdown error: %v", err)
	}
	<-done
	flush()
	return runErr
}

// newResponseSink returns the writer raw response bytes go to, plus a
// flush func that must run after the drain finishes: the hex dump buffers
// a partial final line until it is closed. Below verbosity 2 the bytes
// are discarded.
func newResponseSink(verbosity int, out io.Writer) (io.Writer, func()) {
	if verbosity < 2 {
		return nil, func() {}
	}
	dumper := hex.Dumper(out)
	return dumper, func() {
		if err := dumper.Close(); err != nil {
			log.Printf("[Main] response dump flush: %v", err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("[Main] %v", err)
		os.Exit(1)
	}
}
