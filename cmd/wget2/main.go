package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Buffer0x7cd/wget2/internal/config"
	"github.com/Buffer0x7cd/wget2/internal/downloader"
	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/protostate"
	"github.com/Buffer0x7cd/wget2/internal/severity"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(severity.ParseInit)
	}

	switch {
	case cfg.Quiet:
		logging.Setup(logging.Quiet)
	case cfg.Debug:
		logging.Setup(logging.Debug)
	default:
		logging.Setup(logging.Info)
	}

	if len(cfg.Seeds) == 0 && cfg.InputFile == "" {
		fmt.Fprintln(os.Stderr, "wget2: missing URL")
		return int(severity.Generic)
	}

	state, err := protostate.New(stateFiles(cfg))
	if err != nil {
		logging.Errorf("init: %v", err)
		return int(severity.ParseInit)
	}
	if err := state.Load(); err != nil {
		logging.Errorf("loading state: %v", err)
	}

	engine, err := downloader.New(cfg, state)
	if err != nil {
		logging.Errorf("init: %v", err)
		return int(severity.ParseInit)
	}

	// two-level interrupt: the first SIGINT drains cleanly, the second
	// (or any SIGTERM) aborts in-flight requests
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		interrupted := false
		for sig := range sigCh {
			engine.Status.Set(severity.Generic)
			if sig == syscall.SIGTERM || interrupted {
				engine.Abort()
				return
			}
			interrupted = true
			logging.Infof("Interrupt - finishing current responses (interrupt again to abort)")
			engine.Terminate()
		}
	}()

	if err := engine.Run(cfg.Seeds); err != nil {
		logging.Errorf("%v", err)
	}

	return engine.Status.Code()
}

// stateFiles resolves the sidecar database locations, defaulting to
// dot-files in the user's home directory.
func stateFiles(cfg *config.Options) protostate.Files {
	var files protostate.Files
	home, _ := os.UserHomeDir()

	if cfg.HSTS {
		files.HSTS = cfg.HSTSFile
		if files.HSTS == "" && home != "" {
			files.HSTS = filepath.Join(home, ".wget2_hsts")
		}
	}
	if cfg.HPKP {
		files.HPKP = cfg.HPKPFile
		if files.HPKP == "" && home != "" {
			files.HPKP = filepath.Join(home, ".wget2_hpkp")
		}
	}
	return files
}
