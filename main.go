package main

/*
	microjit is a small just-in-time compiler for StackVM, a compact
	one-byte-opcode stack language. It loads a raw bytecode file, runs
	static analysis to recover functions and basic blocks, and either:

		- runs it through the reference interpreter (-interp, or always on
		  a non-ARMv6-M host, since the compiled entry point can only be
		  invoked on the target architecture), or
		- compiles it to native Thumb and reports the emitted instructions.

	Bytecode is a flat byte stream:

		op8                     one byte, op in 0x00..0x17, 0x1A..0x20
		0x18 i8                 PUSH8, sign-extended
		0x19 i16_le              PUSH16, sign-extended
		op8 (push<<4|pop)       optional instruction, op >= 0x80

	Usage:

		microjit [-config path.toml] [-interp] [-dump-asm] [-artefacts dir] <bytecode file>
*/

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"microjit/codegen"
	"microjit/config"
	"microjit/device"
	"microjit/interp"
	"microjit/stackcode"
	"microjit/thumb"
	"microjit/transfer"
	"microjit/vmstate"
)

var (
	configPath  = flag.String("config", "", "path to a TOML compiler configuration; defaults are used if omitted")
	forceInterp = flag.Bool("interp", false, "run through the reference interpreter instead of compiling")
	dumpAsm     = flag.Bool("dump-asm", false, "decode and print every compiled Thumb instruction before running")
	entryOffset = flag.Int("entry", 0, "bytecode offset of the program's entry function")
	artefactDir = flag.String("artefacts", "", "directory to persist the bytecode/linker/sa blobs of a successful compile into")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: microjit [flags] <bytecode file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	log := logrus.WithField("component", "main")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("loading configuration")
		}
		cfg = loaded
	}

	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.WithError(err).Fatal("reading bytecode file")
	}
	code := stackcode.NewArray(raw)
	bus := newDemoBus()

	var status vmstate.Status
	if *forceInterp || runtime.GOARCH != "arm" {
		status = runInterpreted(code, cfg, bus, log)
	} else {
		status = runCompiled(raw, code, cfg, bus, log)
	}
	os.Exit(int(status))
}

func runInterpreted(code stackcode.Array, cfg config.Config, bus *device.Bus, log *logrus.Entry) vmstate.Status {
	state := vmstate.NewState(code, cfg.StackCapacityWords)
	interp.Execute(state, bus)
	bus.ProgramHalted(uint32(state.Status))
	log.WithField("status", state.Status).Info("interpreted run finished")
	printStack(state.Stack)
	return state.Status
}

func runCompiled(raw []byte, code stackcode.Array, cfg config.Config, bus *device.Bus, log *logrus.Entry) vmstate.Status {
	compiler := codegen.NewCompiler(cfg, code, bus)

	trigger := &persistTrigger{}
	compiler.AddObserver(trigger)

	program, err := compiler.Compile(*entryOffset)
	if err != nil {
		log.WithError(err).Error("compilation failed, falling back to the reference interpreter")
		return runInterpreted(code, cfg, bus, log)
	}

	if *dumpAsm {
		dumpProgram(program)
	}
	if *artefactDir != "" && trigger.status == codegen.Success {
		if err := writeArtefacts(*artefactDir, raw, program); err != nil {
			log.WithError(err).Warn("persisting compilation artefacts")
		}
	}

	log.Info("compiled program is ready; invoking raw Thumb code requires running on ARMv6-M hardware")
	log.Info("re-running through the reference interpreter to report a result on this host")
	return runInterpreted(code, cfg, bus, log)
}

// persistTrigger is the observer hook the persistence path keys off:
// artefacts are only written for a compile the state machine reported as
// Success.
type persistTrigger struct {
	status codegen.Status
}

func (p *persistTrigger) OnStateChanged(_, _ codegen.State)   {}
func (p *persistTrigger) OnBlockCompiled(stackcode.Region)    {}
func (p *persistTrigger) OnFunctionCompiled(stackcode.Region) {}
func (p *persistTrigger) OnCompileComplete(s codegen.Status)  { p.status = s }

// writeArtefacts persists the three opaque blobs a later session can
// reload: the raw bytecode, the resolved link map, and the static-analysis
// snapshot.
func writeArtefacts(dir string, raw []byte, p *codegen.Program) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	blobs := map[string][]byte{
		"bytecode.bin": transfer.SerialiseBytecode(raw),
		"linker.bin":   transfer.SerialiseLinkMap(p.LinkMap()),
		"sa.bin":       transfer.SerialiseSA(transfer.DumpAnalysis(p.Result)),
	}
	for name, blob := range blobs {
		if err := os.WriteFile(filepath.Join(dir, name), blob, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func dumpProgram(p *codegen.Program) {
	for i := 0; i < p.Buffer.Length(); i++ {
		word := p.Buffer.At(i)
		fmt.Printf("%4d: %04x  %s\n", i, word, thumb.Decode(word))
	}
}

func printStack(s vmstate.Stack) {
	fmt.Print("stack (top first): [")
	for i := s.Pointer; i < s.End(); i++ {
		if i > s.Pointer {
			fmt.Print(", ")
		}
		fmt.Print(s.Words[i])
	}
	fmt.Println("]")
}

// newDemoBus wires up the optional instructions this repository ships a
// host implementation for: a blocking sleep and no-op stubs for tone,
// beep and rgb, so a program that exercises them still runs to completion off
// real MicroBit-style hardware.
func newDemoBus() *device.Bus {
	bus := device.NewBus()
	sleep := device.NewSleepDevice()
	bus.Register(stackcode.OptSleep, sleep.Handler)
	bus.Register(stackcode.OptTone, func(args []int32) ([]int32, error) { return nil, nil })
	bus.Register(stackcode.OptBeep, func(args []int32) ([]int32, error) { return nil, nil })
	bus.Register(stackcode.OptRgb, func(args []int32) ([]int32, error) { return nil, nil })
	bus.OnHalt(func(status uint32) {
		logrus.WithField("status", status).Debug("device bus notified of program halt")
	})
	return bus
}
