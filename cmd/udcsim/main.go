package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/pkg/prof"
	"github.com/ardnew/softudc/pkg/usbid"
	"github.com/ardnew/softudc/udc/hal/sim"
)

var (
	highSpeed bool
	useDMA    bool
	loopBytes int
	bufSize   int
	traceFile string
	idsFile   string
	profiles  prof.Options
	verbose   bool
	jsonLogs  bool
	logLevel  string
	logComps  string
)

func checkErr(err error, message string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s - %s\n", err, message)
		os.Exit(1)
	}
}

func setupLogging() {
	if jsonLogs {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	switch {
	case logLevel != "":
		level, ok := pkg.ParseLogLevel(logLevel)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown log level %q, using %s\n", logLevel, level)
		}
		pkg.SetLogLevel(level)
	case verbose:
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if logComps != "" {
		levels, err := pkg.ParseComponentLevels(logComps)
		checkErr(err, "bad --log-component value")
		for c, level := range levels {
			pkg.SetComponentLevel(c, level)
		}
	}
}

func run(cmd *cobra.Command, args []string) {
	setupLogging()

	if profiles.Any() && !prof.Enabled {
		pkg.LogWarn(pkg.ComponentSim, "profiling requested but udcsim was built without -tags profile")
	}
	session, err := prof.Start(profiles)
	checkErr(err, "could not start profiling")

	rep, err := runSession(sessionOptions{
		highSpeed: highSpeed,
		dma:       useDMA,
		bytes:     loopBytes,
		buffer:    bufSize,
		trace:     traceFile != "",
	})
	checkErr(session.Stop(), "could not write profiles")
	checkErr(err, "simulated session failed")

	cmd.Printf("speed:         %s\n", rep.speed)
	cmd.Printf("address:       %d\n", rep.address)
	cmd.Printf("device:        %04X:%04X usb %x.%02x ep0 %d\n",
		rep.device.VendorID, rep.device.ProductID,
		rep.device.USBVersion>>8, rep.device.USBVersion&0xFF,
		rep.device.MaxPacketSize0)
	cmd.Printf("product:       %s\n", rep.product)
	if name, ok := lookupName(rep.device.VendorID, rep.device.ProductID); ok {
		cmd.Printf("usb.ids:       %s\n", name)
	}
	cmd.Printf("configuration: %d (%d bytes, %d interface)\n",
		rep.config.ConfigurationValue, rep.config.TotalLength, rep.config.NumInterfaces)
	cmd.Printf("loopback:      %d bytes in %d transfers\n", rep.looped, rep.transfers)

	if traceFile != "" {
		f, err := os.Create(traceFile)
		checkErr(err, "could not create trace file")
		defer f.Close()
		checkErr(sim.EncodeTrace(f, rep.events), "could not write trace")
		cmd.Printf("trace:         %d events written to %s\n", len(rep.events), traceFile)
	}
}

// lookupName names the device from usb.ids, searching idsFile or the
// system locations.
func lookupName(vid, pid uint16) (string, bool) {
	var paths []string
	if idsFile != "" {
		paths = []string{idsFile}
	}
	db, err := usbid.Open(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentSim, "usb.ids unavailable", "error", err)
		return "", false
	}
	return db.Describe(vid, pid), true
}

func trace(cmd *cobra.Command, args []string) {
	f, err := os.Open(args[0])
	checkErr(err, "could not open trace file")
	defer f.Close()

	events, err := sim.DecodeTrace(f)
	checkErr(err, "could not decode trace")

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tOP\tEP\tKIND\tN\tARG")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\n", ev.Seq, ev.Op, ev.EP, ev.Kind, ev.N, ev.Arg)
	}
	checkErr(w.Flush(), "could not write output")
}

var rootCmd = &cobra.Command{
	Use:   "udcsim",
	Short: "Exercise the device controller against a simulated host",
	Long: `udcsim binds a bulk loopback function to the device controller core,
runs it on a simulated OTG controller and drives it from a simulated host`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Log in JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logComps, "log-component", "", "Per-component levels, e.g. ep0=debug,dma=info")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Enumerate the loopback function and push data through it",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	runCmd.Flags().BoolVar(&highSpeed, "high-speed", false, "Negotiate high speed")
	runCmd.Flags().BoolVar(&useDMA, "dma", false, "Move bulk data by DMA")
	runCmd.Flags().IntVar(&loopBytes, "bytes", 10000, "Bytes to loop back")
	runCmd.Flags().IntVar(&bufSize, "buffer", 4096, "Loopback request size")
	runCmd.Flags().StringVar(&traceFile, "trace", "", "Write a CBOR event trace to this file")
	runCmd.Flags().StringVar(&idsFile, "usb-ids", "", "usb.ids file used to name the device (default: system locations)")
	runCmd.Flags().StringVar(&profiles.CPU, "cpu-profile", "", "Write a CPU profile (needs -tags profile)")
	runCmd.Flags().StringVar(&profiles.Mutex, "mutex-profile", "", "Write a mutex contention profile (needs -tags profile)")
	runCmd.Flags().StringVar(&profiles.Block, "block-profile", "", "Write a blocking profile (needs -tags profile)")
	runCmd.Flags().StringVar(&profiles.Heap, "heap-profile", "", "Write a heap profile (needs -tags profile)")
	rootCmd.AddCommand(runCmd)

	traceCmd := &cobra.Command{
		Use:   "trace FILE",
		Short: "Print a CBOR event trace",
		Args:  cobra.ExactArgs(1),
		Run:   trace,
	}
	rootCmd.AddCommand(traceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
