// Command verify checks the bridge's prerequisites without starting any
// stream: configuration, native library, cloud credentials, camera
// selection and the helper binaries. Run it inside the deployment
// environment before first start.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ethan/iotc-bridge/pkg/cloud"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/mtx"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

func main() {
	logFlags := logger.RegisterFlags(flag.CommandLine)
	envPath := flag.String("env", ".env", "optional .env file seeding the environment")
	skipNative := flag.Bool("skip-native", false, "skip loading the native IOTC library")
	skipCloud := flag.Bool("skip-cloud", false, "skip the cloud login and camera list")
	flag.Parse()

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.Configure(logCfg)

	failures := 0
	fail := func(format string, args ...any) {
		failures++
		fmt.Printf("  ✗ "+format+"\n", args...)
	}
	pass := func(format string, args ...any) {
		fmt.Printf("  ✓ "+format+"\n", args...)
	}

	fmt.Println("=== Configuration ===")
	cfg, err := config.Load(*envPath)
	if err != nil {
		fail("%v", err)
		fmt.Printf("\n%d problem(s) found\n", failures)
		os.Exit(1)
	}
	pass("loaded (env file %q)", *envPath)
	fmt.Printf("    quality=%s sub=%s net_mode=%s fps=%d\n",
		cfg.Quality, cfg.SubQuality, cfg.NetMode, cfg.FPS)
	fmt.Printf("    api=%s img_dir=%s record_dir=%s\n", cfg.APIBind, cfg.ImgDir, cfg.RecordDir)

	fmt.Println("\n=== Helper binaries ===")
	for _, bin := range []string{cfg.MTXBin, cfg.FFmpegBin} {
		if path, err := exec.LookPath(bin); err != nil {
			fail("%s not found in PATH", bin)
		} else {
			pass("%s → %s", bin, path)
		}
	}

	fmt.Println("\n=== Media relay config ===")
	if mtxCfg, err := mtx.LoadConfig(cfg.MTXConfigPath); err != nil {
		fail("%s: %v", cfg.MTXConfigPath, err)
	} else {
		pass("%s parses (paths: %d)", cfg.MTXConfigPath, len(mtxCfg.PathURIs()))
		if err := mtxCfg.SetAuth(cfg.MTXAuth); err != nil {
			fail("MTX_AUTH: %v", err)
		} else if cfg.MTXAuth != "" {
			pass("MTX_AUTH parses")
		}
	}

	fmt.Println("\n=== Native library ===")
	if *skipNative {
		fmt.Println("  - skipped")
	} else {
		lib := tutk.NewLibrary(tutk.Config{
			LibraryPaths: libraryPaths(cfg.TUTKLib),
			LicenseKey:   cfg.TUTKLicense,
			Log:          logger.WithComponent("tutk"),
		})
		if err := lib.Open(); err != nil {
			fail("%v", err)
		} else {
			pass("loaded and initialized")
			lib.Close()
		}
	}

	fmt.Println("\n=== Cloud account ===")
	switch {
	case *skipCloud:
		fmt.Println("  - skipped")
	case cfg.CloudEmail == "":
		fail("CLOUD_EMAIL not set")
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		cl := cloud.NewClient(cfg)
		cred, err := cl.Login(ctx)
		if err != nil {
			fail("login: %v", err)
			break
		}
		pass("logged in (user %s)", cred.UserID)

		cams, err := cl.ListCameras(ctx)
		if err != nil {
			fail("camera list: %v", err)
			break
		}
		pass("%d camera(s) on the account", len(cams))

		selected := 0
		for _, cam := range cams {
			mark, state := "-", "filtered"
			if cfg.Selected(cam) {
				mark, state = "✓", "uri="+cam.URI(cfg.URISeparator)
				selected++
			}
			fmt.Printf("    %s %-20s %s %-10s fw=%s %s\n",
				mark, cam.Nickname, cam.MAC, cam.Model, cam.FirmwareVersion, state)
		}
		if selected == 0 {
			fail("selection filters match no camera")
		}
	}

	fmt.Println()
	if failures > 0 {
		fmt.Printf("%d problem(s) found\n", failures)
		os.Exit(1)
	}
	fmt.Println("all checks passed")
}

func libraryPaths(explicit string) []string {
	if explicit == "" {
		return nil
	}
	return []string{explicit}
}
