// Command dsictl is the user-facing front end for the daemon: it drives
// the RPC surface and renders progress, but holds no installer logic of
// its own (that lives in the service core).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/rpc"
)

const defaultSocket = "/run/dsi/dsi.sock"

var (
	installCmd = flag.NewFlagSet("install", flag.ExitOnError)
	enableCmd  = flag.NewFlagSet("enable", flag.ExitOnError)
	disableCmd = flag.NewFlagSet("disable", flag.ExitOnError)
	wipeCmd    = flag.NewFlagSet("wipe", flag.ExitOnError)
	statusCmd  = flag.NewFlagSet("status", flag.ExitOnError)
	gcCmd      = flag.NewFlagSet("gc", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "install":
		err = runInstall(os.Args[2:])
	case "enable":
		err = runEnable(os.Args[2:])
	case "disable":
		err = runDisable(os.Args[2:])
	case "wipe":
		err = runWipe(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "gc":
		err = runGC(os.Args[2:])
	default:
		fmt.Printf("unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsictl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: dsictl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  install    Install a GSI image (streams the system image, sizes userdata)")
	fmt.Println("  enable     Mark the last completed install bootable")
	fmt.Println("  disable    Disable the currently enabled install")
	fmt.Println("  wipe       Remove the installed images and boot-status files")
	fmt.Println("  status     Report is_installed / is_running / is_in_progress")
	fmt.Println("  gc         Remove disabled images once no install is in progress")
}

func runInstall(args []string) error {
	systemImage := installCmd.String("system-image", "", "path to the system partition image to stream (required)")
	size := installCmd.Int64("size", 0, "system partition size in bytes (defaults to the image file size)")
	userdataSize := installCmd.Int64("userdata-size", 0, "userdata partition size in bytes (0 uses the daemon default)")
	wipe := installCmd.Bool("wipe", false, "wipe any existing images under the install directory before writing")
	noReboot := installCmd.Bool("no-reboot", false, "enable the install without arming the one-shot boot flag")
	dsuSlot := installCmd.String("dsu-slot", "dsu", "install directory slot name under the allowed GSI root")
	socket := installCmd.String("socket", defaultSocket, "daemon RPC socket path")
	installCmd.Parse(args)

	if *systemImage == "" {
		return fmt.Errorf("--system-image is required")
	}

	file, err := os.Open(*systemImage)
	if err != nil {
		return fmt.Errorf("open system image: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat system image: %w", err)
	}
	systemSize := *size
	if systemSize == 0 {
		systemSize = info.Size()
	}

	client := rpc.NewClient(*socket)
	ctx := context.Background()

	installDir := fmt.Sprintf("/data/gsi/dsu/%s/", strings.Trim(*dsuSlot, "/"))
	if status, err := client.OpenInstall(ctx, installDir, *wipe); err != nil || status != dsi.StatusOK {
		return fmt.Errorf("open_install: status=%v err=%w", status, err)
	}

	if status, err := client.CreatePartition(ctx, "userdata", *userdataSize, false); err != nil || status != dsi.StatusOK {
		return fmt.Errorf("create_partition(userdata): status=%v err=%w", status, err)
	}

	if status, err := client.CreatePartition(ctx, "system", systemSize, true); err != nil || status != dsi.StatusOK {
		return fmt.Errorf("create_partition(system): status=%v err=%w", status, err)
	}

	streamErr := make(chan error, 1)
	go func() {
		_, err := client.CommitChunkFromStream(ctx, file, systemSize)
		streamErr <- err
	}()

	model := newProgressModel(client, 500*time.Millisecond)
	program := tea.NewProgram(model)
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("progress display: %w", err)
	}
	if err := <-streamErr; err != nil {
		return fmt.Errorf("commit_chunk_from_stream: %w", err)
	}

	status, err := client.Enable(ctx, !*noReboot)
	if err != nil || status != dsi.StatusOK {
		return fmt.Errorf("enable: status=%v err=%w", status, err)
	}

	fmt.Println("install complete")
	return nil
}

func runEnable(args []string) error {
	oneShot := enableCmd.Bool("s", false, "arm single-boot (one-shot) instead of a persistent enable")
	enableCmd.BoolVar(oneShot, "single-boot", false, "arm single-boot (one-shot) instead of a persistent enable")
	socket := enableCmd.String("socket", defaultSocket, "daemon RPC socket path")
	enableCmd.Parse(args)

	client := rpc.NewClient(*socket)
	status, err := client.Enable(context.Background(), *oneShot)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func runDisable(args []string) error {
	socket := disableCmd.String("socket", defaultSocket, "daemon RPC socket path")
	disableCmd.Parse(args)

	client := rpc.NewClient(*socket)
	ok, err := client.Disable(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("disabled:", ok)
	return nil
}

func runWipe(args []string) error {
	socket := wipeCmd.String("socket", defaultSocket, "daemon RPC socket path")
	wipeCmd.Parse(args)

	client := rpc.NewClient(*socket)
	ok, err := client.Remove(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("wiped:", ok)
	return nil
}

func runStatus(args []string) error {
	socket := statusCmd.String("socket", defaultSocket, "daemon RPC socket path")
	statusCmd.Parse(args)

	client := rpc.NewClient(*socket)
	installed, running, inProgress, err := client.IsInstalled(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("installed=%v running=%v in_progress=%v\n", installed, running, inProgress)
	return nil
}

func runGC(args []string) error {
	dryRun := gcCmd.Bool("dry-run", false, "report what would be removed without removing it")
	force := gcCmd.Bool("force", false, "actually remove disabled images")
	socket := gcCmd.String("socket", defaultSocket, "daemon RPC socket path")
	gcCmd.Parse(args)

	if *dryRun == *force {
		return fmt.Errorf("must specify exactly one of --dry-run or --force")
	}

	client := rpc.NewClient(*socket)
	ctx := context.Background()

	installed, _, inProgress, err := client.IsInstalled(ctx)
	if err != nil {
		return err
	}
	if inProgress {
		return fmt.Errorf("refusing to gc: an install is currently in progress")
	}
	if installed {
		fmt.Println("nothing to collect: the current install is enabled")
		return nil
	}
	dir, err := client.GetInstalledImageDir(ctx)
	if err != nil {
		return err
	}
	if dir == "" {
		fmt.Println("nothing to collect: no install is recorded")
		return nil
	}
	if *dryRun {
		fmt.Printf("would remove disabled images under %s\n", dir)
		return nil
	}

	ok, err := client.Remove(ctx)
	if err != nil {
		return err
	}
	fmt.Println("removed:", ok)
	return nil
}
