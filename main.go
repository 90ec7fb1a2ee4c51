package main

import (
	"bufio"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/basecode-lang/terp/vm"
)

func main() {
	cfg := vm.DefaultConfig()
	var heapSize, stackSize uint64
	var gcPercent int
	var logLevel, logFormat string

	rootCmd := &cobra.Command{
		Use:   "terp",
		Short: "A register-based bytecode virtual machine for the basecode bootstrap compiler",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = cfg.ApplyEnv()
			if cmd.Flags().Changed("heap-size") {
				cfg.HeapSize = heapSize
			}
			if cmd.Flags().Changed("stack-size") {
				cfg.StackSize = stackSize
			}
			if cmd.Flags().Changed("gogc") {
				cfg.GCPercent = gcPercent
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().Uint64Var(&heapSize, "heap-size", vm.DefaultHeapSize, "VM heap size in bytes")
	rootCmd.PersistentFlags().Uint64Var(&stackSize, "stack-size", vm.DefaultStackSize, "VM stack size in bytes, carved from the top of the heap")
	rootCmd.PersistentFlags().IntVar(&gcPercent, "gogc", vm.DefaultGCPercent, "Go GC percent to restore after a run (GC is disabled while the interpreter loop is executing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "text or json")

	runCmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Assemble and execute a program to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, log := newVM(cfg)
			asm, err := assembleFile(v, args[0])
			if err != nil {
				return err
			}
			if asm == nil {
				return nil
			}
			return runProgram(v, log, cfg)
		},
	}

	debugCmd := &cobra.Command{
		Use:   "debug <program>",
		Short: "Assemble a program and drop into the breakpoint/step REPL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _ := newVM(cfg)
			asm, err := assembleFile(v, args[0])
			if err != nil {
				return err
			}
			if asm == nil {
				return nil
			}
			runDebugREPL(v)
			return nil
		},
	}

	disasmCmd := &cobra.Command{
		Use:   "disasm <program>",
		Short: "Decode and print the instruction stream without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _ := newVM(cfg)
			if _, err := assembleFile(v, args[0]); err != nil {
				return err
			}
			printDisassembly(v)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, debugCmd, disasmCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVM(cfg vm.Config) (*vm.VM, *logrus.Logger) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	v := vm.New(vm.Options{HeapSize: cfg.HeapSize, StackSize: cfg.StackSize, Logger: logger})
	return v, logger
}

// assembleFile is a placeholder entry point for the out-of-scope assembly-text
// parser (spec §1): this module assembles from the in-process BasicBlock
// builder API, not from text files. It exists so the CLI surface in SPEC_FULL
// §4.7 has somewhere to hang; a real front-end would parse args[0] into
// BasicBlock calls here.
func assembleFile(v *vm.VM, path string) (*vm.Assembler, error) {
	fmt.Fprintf(os.Stderr, "note: %s would be parsed by the (out-of-scope) assembly-text front-end; nothing to run\n", path)
	return nil, nil
}

func runProgram(v *vm.VM, log *logrus.Logger, cfg vm.Config) error {
	restore := cfg.GCPercent

	debug.SetGCPercent(-1)
	defer debug.SetGCPercent(restore)

	if err := v.Run(); err != nil {
		log.WithError(err).Error("run stopped")
		return err
	}
	return nil
}

func runDebugREPL(v *vm.VM) {
	fmt.Printf("Commands:\n\tn or next: execute next instruction\n\tr or run: run program\n\tb or break <addr>: break at address (or remove break)\n\n")
	printState(v)

	reader := bufio.NewReader(os.Stdin)
	waitForInput := true
	breakAt := make(map[uint64]struct{})

	for {
		var line string
		if waitForInput {
			fmt.Print("\n->")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		} else {
			pc := v.Registers.Special(vm.RegPC)
			if _, ok := breakAt[pc]; ok {
				fmt.Println("breakpoint")
				printState(v)
				waitForInput = true
				continue
			}
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			cont, err := v.Step()
			if waitForInput {
				printState(v)
			}
			if err != nil || !cont {
				if err != nil {
					fmt.Println(err)
				}
				return
			}
		case line == "r" || line == "run":
			waitForInput = false
		case strings.HasPrefix(line, "b"):
			arg := strings.TrimPrefix(line, "break")
			if arg == line {
				arg = strings.TrimPrefix(line, "b")
			}
			arg = strings.TrimSpace(arg)
			addr, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				fmt.Println("unknown address:", err)
				continue
			}
			if _, ok := breakAt[addr]; ok {
				delete(breakAt, addr)
			} else {
				breakAt[addr] = struct{}{}
			}
		}
	}
}

func printState(v *vm.VM) {
	fmt.Printf("pc=%#x sp=%#x fp=%#x fr=%#x\n", v.Registers.Special(vm.RegPC), v.Registers.Special(vm.RegSP), v.Registers.Special(vm.RegFP), v.Registers.Special(vm.RegFR))
}

func printDisassembly(v *vm.VM) {
	fmt.Println("(nothing assembled: see assembleFile)")
}
