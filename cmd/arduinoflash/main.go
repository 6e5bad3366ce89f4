// Command arduinoflash updates or dumps the on-chip flash of an
// AVR-based board over a serial STK500 bootloader connection.
package main

import (
	"fmt"
	"os"

	"github.com/jjsch-dev/avrflash/flash"
	"github.com/jjsch-dev/avrflash/hexfile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is the CLI's self-reported version string, printed by --version.
const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baud        int
		programmer  string
		port        string
		read        bool
		update      bool
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:           "arduinoflash FILENAME",
		Short:         "Flash or dump an AVR board's firmware over STK500",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version)
				return nil
			}
			if read == update {
				return fmt.Errorf("exactly one of --read or --update is required")
			}
			if len(args) != 1 {
				return fmt.Errorf("FILENAME is required")
			}
			if read {
				return runDump(args[0], port, baud, programmer)
			}
			return runUpdate(args[0], port, baud, programmer)
		},
	}

	cmd.Flags().IntVarP(&baud, "baudrate", "b", 0, "serial baud rate (57600 for ATmegaBOOT, 115200 for Optiboot/Wiring)")
	cmd.Flags().StringVarP(&programmer, "programmer", "p", "", "programmer protocol: Stk500v1 or Stk500v2")
	cmd.Flags().StringVar(&port, "port", "", "serial device path; auto-detected when omitted")
	cmd.Flags().BoolVarP(&read, "read", "r", false, "dump the target's flash to FILENAME")
	cmd.Flags().BoolVarP(&update, "update", "u", false, "write FILENAME to the target's flash and verify it")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print the version string")

	return cmd
}

func runUpdate(filename, port string, baud int, protocol string) error {
	image, err := hexfile.Load(filename)
	if err != nil {
		fmt.Printf("error, input: %v\n", err)
		return err
	}

	session, err := flash.Open(port, baud, protocol)
	if err != nil {
		fmt.Printf("error, open: %v\n", err)
		return err
	}

	go logProgress(session)

	cpu, err := session.Identify()
	if err != nil {
		fmt.Printf("%v\n", err)
		return err
	}

	if err := session.Program(image, cpu); err != nil {
		fmt.Printf("%v\n", err)
		return err
	}

	fmt.Printf("wrote and verified %d bytes to %s\n", image.MaxAddress(), cpu.Name)
	return nil
}

func runDump(filename, port string, baud int, protocol string) error {
	session, err := flash.Open(port, baud, protocol)
	if err != nil {
		fmt.Printf("error, open: %v\n", err)
		return err
	}

	go logProgress(session)

	cpu, err := session.Identify()
	if err != nil {
		fmt.Printf("%v\n", err)
		return err
	}

	bytesByAddr, err := session.Dump(cpu)
	if err != nil {
		fmt.Printf("%v\n", err)
		return err
	}

	image, err := hexfile.FromMap(bytesByAddr)
	if err != nil {
		fmt.Printf("error, input: %v\n", err)
		return err
	}
	if err := hexfile.Save(image, filename); err != nil {
		fmt.Printf("error, input: %v\n", err)
		return err
	}

	fmt.Printf("dumped %d bytes from %s to %s\n", len(bytesByAddr), cpu.Name, filename)
	return nil
}

// logProgress drains a session's event channel and logs each event at
// info (terminal) or debug (progress) level; run as a goroutine for
// the lifetime of the CLI process.
func logProgress(session *flash.Session) {
	for ev := range session.Events() {
		switch ev.Kind {
		case flash.EventBoardInfo:
			logrus.Infof("board: hw=%d sw=%s programmer=%q", ev.HWVersion, ev.SWVersion, ev.ProgrammerName)
		case flash.EventCPUInfo:
			logrus.Infof("cpu: %s (page size %d)", ev.CPUName, ev.PageSizeBytes)
		case flash.EventWriteProgress:
			logrus.Debugf("write progress: %.0f%%", ev.Fraction*100)
		case flash.EventVerifyProgress:
			logrus.Debugf("verify progress: %.0f%%", ev.Fraction*100)
		case flash.EventDone:
			logrus.Infof("done: ok=%v", ev.OK)
			return
		}
	}
}
