// Command fcflash is the thin CLI frontend over the flight-controller
// flashing core: it locates a board, acquires the flash mutex,
// downloads or loads a firmware image, and drives the appropriate
// flasher, printing progress to stderr.
//
// Grounded on the teacher's mos/main.go for the overall flag-then-
// dispatch CLI shape (package-level pflag vars, glog for internal
// logging, a plain stderr report path for user-facing progress) and on
// mos/flags/flags.go for the pattern of collecting flags into a single
// var block.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	flag "github.com/spf13/pflag"
	"github.com/google/gousb"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/board"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/corelog"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/dfu"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/firmwaredl"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/flashlock"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/fwimage"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/progress"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/stm32usart"
)

var (
	port           = flag.StringP("port", "p", "", "Serial port of the target board (USART flasher)")
	dfuVID         = flag.Uint16("dfu-vid", 0, "USB vendor ID of a device in DFU mode (selects the DFU flasher)")
	dfuPID         = flag.Uint16("dfu-pid", 0, "USB product ID of a device in DFU mode")
	dfuLayout      = flag.String("dfu-layout", "@Internal Flash /0x08000000/04*016Kg,01*064Kg,07*128Kg", "DFU interface memory layout string")
	firmwareFile   = flag.StringP("firmware", "f", "", "Path to a local firmware file (.hex/.dfu/.bin)")
	firmwareURL    = flag.String("firmware-url", "", "URL to download a firmware file from")
	boardIDFlag    = flag.String("board-id", "generic", "Board identifier, used for the firmware cache key")
	versionFlag    = flag.String("version", "latest", "Firmware version, used for the firmware cache key")
	catalogPath    = flag.String("board-catalog", "", "Optional YAML file of extra KNOWN_BOARDS entries")
	verify         = flag.Bool("verify", true, "Verify the flash by reading back written data (DFU only)")
	leaveInDfuMode = flag.Bool("leave-in-dfu-mode", false, "Do not reset the device out of DFU mode after flashing")
	verbose        = flag.BoolP("verbose", "V", false, "Enable verbose (glog level 1) internal logging")
)

func init() {
	// glog registers its flags (including -v) on the stdlib flag set;
	// merge it into pflag so flag.Set("v", ...) below actually reaches
	// glog, matching the teacher's mos/flagutils.go initFlags().
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.CommandLine.MarkHidden("v")
}

func main() {
	flag.Parse()
	if *verbose {
		flag.Set("v", "1")
	}
	defer glog.Flush()

	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	catalog := board.KnownBoards
	if *catalogPath != "" {
		var err error
		catalog, err = board.LoadCatalogOverride(*catalogPath, catalog)
		if err != nil {
			return errors.Annotatef(err, "failed to load board catalog override")
		}
	}

	vid, pid, usePort, err := resolveTarget(catalog)
	if err != nil {
		return errors.Trace(err)
	}

	img, err := loadFirmware(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to obtain firmware image")
	}

	lock := flashlock.New()
	if err := lock.Acquire("cli"); err != nil {
		return errors.Trace(err)
	}
	defer lock.Release()

	sink := progress.NewTracker(progress.NewStderrSink())
	sink.Emit(progress.Event{State: progress.StatePreparing, Progress: 100, Message: "firmware ready"})

	if usePort != "" {
		return flashUSART(ctx, usePort, img, sink)
	}
	return flashDFU(ctx, vid, pid, img, sink)
}

// resolveTarget picks the flashing target: an explicit --port or
// --dfu-vid/--dfu-pid wins outright; otherwise it falls back to USB
// enumeration + board.Detect (spec §4.9) and requires exactly one
// unambiguous DFU-capable candidate.
func resolveTarget(catalog map[string]board.CatalogEntry) (vid, pid gousb.ID, usePort string, err error) {
	if *dfuVID != 0 {
		return gousb.ID(*dfuVID), gousb.ID(*dfuPID), "", nil
	}
	if *port != "" {
		return 0, 0, *port, nil
	}

	ports, err := board.EnumerateUSB()
	if err != nil {
		return 0, 0, "", errors.Annotatef(err, "USB enumeration failed; pass --port or --dfu-vid/--dfu-pid explicitly")
	}
	candidates := board.Detect(ports, catalog)
	var dfuBoards []board.DetectedBoard
	for _, b := range candidates {
		if b.Flasher == board.FlasherDFU {
			dfuBoards = append(dfuBoards, b)
		}
	}
	switch len(dfuBoards) {
	case 0:
		return 0, 0, "", errors.Errorf("no DFU-mode board auto-detected; pass --port or --dfu-vid/--dfu-pid explicitly")
	case 1:
		b := dfuBoards[0]
		glog.V(1).Infof("auto-detected %s (%s) at %04x:%04x", b.Name, b.DetectionMethod, b.Port.VendorID, b.Port.ProductID)
		return gousb.ID(b.Port.VendorID), gousb.ID(b.Port.ProductID), "", nil
	default:
		return 0, 0, "", errors.Errorf("%d DFU-mode boards found, pass --dfu-vid/--dfu-pid to disambiguate", len(dfuBoards))
	}
}

func loadFirmware(ctx context.Context) (*fwimage.Image, error) {
	if *firmwareFile != "" {
		return fwimage.LoadFile(*firmwareFile)
	}
	if *firmwareURL == "" {
		return nil, errors.Errorf("one of --firmware or --firmware-url is required")
	}

	cache, err := firmwaredl.NewCache()
	if err != nil {
		return nil, err
	}
	sink := progress.NewTracker(progress.NewStderrSink())
	path, err := cache.Download(ctx, *boardIDFlag, *versionFlag, *firmwareURL, "", 0, sink)
	if err != nil {
		return nil, err
	}
	return fwimage.LoadFile(path)
}

func flashUSART(ctx context.Context, portName string, img *fwimage.Image, sink *progress.Tracker) error {
	f := stm32usart.NewFlasher(portName)
	defer f.Close()

	sink.Emit(progress.Event{State: progress.StateEnteringBootloader, Progress: 0, Message: "syncing with bootloader"})
	corelog.Reportf("resetting %s into the bootloader", portName)
	if err := f.Sync(ctx); err != nil {
		return errors.Annotatef(err, "failed to sync with USART bootloader on %s", portName)
	}
	sink.Emit(progress.Event{State: progress.StateEnteringBootloader, Progress: 100, Message: "synced"})

	if err := f.CheckFirmwareSize(ctx, img); err != nil {
		glog.Warningf("chip-ID flash-size check failed, proceeding without it: %v", err)
	}

	sink.Emit(progress.Event{State: progress.StateErasing, Progress: 0, Message: "erasing flash"})
	if err := f.Erase(ctx); err != nil {
		return errors.Annotatef(err, "erase failed")
	}
	sink.Emit(progress.Event{State: progress.StateErasing, Progress: 100, Message: "erased"})

	sink.Emit(progress.Event{State: progress.StateFlashing, Progress: 0, Message: "writing firmware"})
	if err := f.WriteImage(ctx, img, func(written, total uint64) {
		sink.Emit(progress.Event{
			State: progress.StateFlashing, Progress: progress.ByteProgress(written, total),
			Message: "writing firmware", BytesWritten: written, TotalBytes: total, HasBytes: true,
		})
	}); err != nil {
		return errors.Annotatef(err, "write failed")
	}

	sink.Emit(progress.Event{State: progress.StateRebooting, Progress: 0, Message: "rebooting into application"})
	if err := f.Go(ctx, img.Segments[0].Address); err != nil {
		glog.Warningf("GO command failed (device may still reboot on its own): %v", err)
	}
	sink.Emit(progress.Event{State: progress.StateComplete, Progress: 100, Message: "flash complete"})
	return nil
}

func flashDFU(ctx context.Context, vid, pid gousb.ID, img *fwimage.Image, sink *progress.Tracker) error {
	layout, err := dfu.ParseMemoryLayout(*dfuLayout)
	if err != nil {
		return errors.Annotatef(err, "invalid --dfu-layout")
	}

	sink.Emit(progress.Event{State: progress.StateEnteringBootloader, Progress: 0, Message: "opening DFU device"})
	dev, err := dfu.OpenDevice(vid, pid, 0, 0)
	if err != nil {
		return errors.Annotatef(err, "failed to open DFU device %s:%s", vid, pid)
	}
	defer dev.Close()
	f := dev.NewFlasher()
	sink.Emit(progress.Event{State: progress.StateEnteringBootloader, Progress: 100, Message: "device open"})

	sink.Emit(progress.Event{State: progress.StateErasing, Progress: 0, Message: "erasing flash"})
	for _, seg := range img.Segments {
		if err := f.PlanErase(ctx, layout, seg.Address-layout.BaseAddr, uint32(len(seg.Data))); err != nil {
			return errors.Annotatef(err, "erase failed")
		}
	}
	sink.Emit(progress.Event{State: progress.StateErasing, Progress: 100, Message: "erased"})

	sink.Emit(progress.Event{State: progress.StateFlashing, Progress: 0, Message: "writing firmware"})
	if err := f.Download(ctx, img, func(written, total uint64) {
		sink.Emit(progress.Event{
			State: progress.StateFlashing, Progress: progress.ByteProgress(written, total),
			Message: "writing firmware", BytesWritten: written, TotalBytes: total, HasBytes: true,
		})
	}); err != nil {
		return errors.Annotatef(err, "download failed")
	}

	if *verify {
		sink.Emit(progress.Event{State: progress.StateVerifying, Progress: 0, Message: "verifying"})
		for _, seg := range img.Segments {
			if err := f.Verify(ctx, seg.Address, seg.Data); err != nil {
				return errors.Annotatef(err, "verify failed")
			}
		}
		sink.Emit(progress.Event{State: progress.StateVerifying, Progress: 100, Message: "verified"})
	}

	sink.Emit(progress.Event{State: progress.StateRebooting, Progress: 0, Message: "manifesting"})
	if err := f.Manifest(ctx, *leaveInDfuMode); err != nil {
		return errors.Annotatef(err, "manifest failed")
	}
	sink.Emit(progress.Event{State: progress.StateComplete, Progress: 100, Message: "flash complete"})
	return nil
}
