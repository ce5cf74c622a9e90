// vmdump boots the memory subsystem on a host, optionally loads a user ELF
// image, and prints the resulting address spaces: map areas and their
// permissions. With -scan it also checks the leaf page-table entry of every
// mapped page. Useful for checking a memory layout or an ELF link map
// without a full machine bringup.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvmm"
	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
	"github.com/tinyrange/rvmm/internal/task"
	"github.com/tinyrange/rvmm/internal/vm"
)

var useColor bool

func styled(s ansi.Style, text string) string {
	if !useColor {
		return text
	}
	return s.Styled(text)
}

func dumpSpace(name string, ms *vm.MemorySet) {
	fmt.Printf("%s  token=%#x\n", styled(ansi.Style{}.Bold(), name), ms.Token())
	for _, area := range ms.Areas() {
		r := area.Range()
		perm := styled(ansi.Style{}.ForegroundColor(ansi.Green), area.Perm().String())
		fmt.Printf("  [%#011x, %#011x)  %-9s %s  %d pages\n",
			uint64(r.Start.Addr()), uint64(r.End.Addr()), area.Type(), perm, r.Len())
	}
}

// verifySpace walks every page of every area and checks the leaf entry is
// present with the area's permissions.
func verifySpace(name string, ms *vm.MemorySet) error {
	total := int64(0)
	for _, area := range ms.Areas() {
		total += int64(area.Range().Len())
	}

	var bar *progressbar.ProgressBar
	if useColor {
		bar = progressbar.Default(total, "scan "+name)
	}

	for _, area := range ms.Areas() {
		r := area.Range()
		for vpn := r.Start; vpn < r.End; vpn++ {
			pte, ok := ms.Translate(vpn)
			if !ok {
				return fmt.Errorf("%s: vpn %#x has no leaf entry", name, uint64(vpn))
			}
			want := vm.PTEFlags(area.Perm()) | vm.PteV
			if pte.Flags() != want {
				return fmt.Errorf("%s: vpn %#x has flags %#x, want %#x", name, uint64(vpn), pte.Flags(), want)
			}
			if bar != nil {
				bar.Add(1)
			}
		}
	}
	return nil
}

func run() error {
	layoutPath := flag.String("layout", "", "YAML memory layout (defaults to the built-in QEMU virt layout)")
	elfPath := flag.String("elf", "", "user ELF image to load into a task address space")
	scan := flag.Bool("scan", false, "walk every mapped page and verify its leaf entry")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	noColor := flag.Bool("no-color", false, "disable colored output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vmdump - inspect kernel and task address spaces

USAGE:
  vmdump [flags]

FLAGS:
  -layout FILE   Memory layout overrides (YAML)
  -elf FILE      Load a user ELF and dump its address space too
  -scan          Verify every mapped page's leaf entry
  -verbose       Debug logging
  -no-color      Plain output even on a terminal
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	useColor = !*noColor && term.IsTerminal(int(os.Stdout.Fd()))

	layout := config.Default()
	if *layoutPath != "" {
		var err error
		layout, err = config.Load(*layoutPath)
		if err != nil {
			return err
		}
	}

	if err := rvmm.Boot(layout); err != nil {
		return err
	}

	vm.KernelSpace().With(func(ms **vm.MemorySet) {
		dumpSpace("kernel space", *ms)
	})

	var t *task.ControlBlock
	if *elfPath != "" {
		data, err := os.ReadFile(*elfPath)
		if err != nil {
			return fmt.Errorf("read elf: %w", err)
		}
		t = task.New(data, 0)
		fmt.Printf("\nentry=%#x user_sp=%#x kernel_stack_top=%#x\n", t.Entry, t.UserSP, t.KernelStackTop)
		dumpSpace("task space", t.Space)
	}

	if *scan {
		var scanErr error
		vm.KernelSpace().With(func(ms **vm.MemorySet) {
			scanErr = verifySpace("kernel", *ms)
		})
		if scanErr != nil {
			return scanErr
		}
		if t != nil {
			if err := verifySpace("task", t.Space); err != nil {
				return err
			}
		}
	}

	fmt.Printf("\nframes: %d in use, %d free\n", mem.FramesInUse(), mem.FramesFree())
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmdump: %v\n", err)
		os.Exit(1)
	}
}
