package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues and optionally fix them.

Examples:
  mnemosyne doctor        # check for issues
  mnemosyne doctor --fix  # check and auto-fix issues`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Attempt to automatically fix issues")
}

// lowDiskBytes is the free-space floor below which the doctor warns.
const lowDiskBytes = 500 * 1024 * 1024

// redactKey returns the first n and last n chars of s, or "***" if too short.
func redactKey(s string, n int) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= n*2 {
		return "***"
	}
	return s[:n] + "..." + s[len(s)-n:]
}

func runDoctor(fix bool) error {
	fmt.Println("Mnemosyne Doctor")
	if fix {
		fmt.Println("auto-fix enabled")
	}
	fmt.Println()

	issues := 0
	warnings := 0

	// 1. Configuration
	fmt.Print("checking configuration... ")
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("FAILED\n  %v\n", err)
		return err
	}
	fmt.Println("ok")

	// 2. API key
	fmt.Print("checking ANTHROPIC_API_KEY... ")
	if cfg.LLMAPIKey == "" {
		fmt.Println("WARNING")
		fmt.Println("  not set; orchestration and LLM consolidation will degrade to heuristics")
		warnings++
	} else {
		fmt.Printf("ok (%s)\n", redactKey(cfg.LLMAPIKey, 4))
	}

	// 3. Data directory
	fmt.Print("checking data directory... ")
	dataDir := filepath.Dir(cfg.DatabasePath)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if fix {
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				fmt.Printf("FAILED\n  cannot create %s: %v\n", dataDir, err)
				issues++
			} else {
				fmt.Printf("created %s\n", dataDir)
			}
		} else {
			fmt.Println("WARNING")
			fmt.Printf("  %s does not exist; it will be created on first run\n", dataDir)
			warnings++
		}
	} else {
		fmt.Printf("ok (%s)\n", dataDir)
	}

	// 4. Database opens and migrates
	fmt.Print("checking database... ")
	if _, err := os.Stat(cfg.DatabasePath); os.IsNotExist(err) {
		fmt.Println("not created yet (fine)")
	} else {
		store, err := memory.Open(cfg.DatabasePath, memory.Options{})
		if err != nil {
			fmt.Printf("FAILED\n  %v\n", err)
			issues++
		} else {
			total, archived, cerr := store.CountMemories(context.Background())
			store.Close()
			if cerr != nil {
				fmt.Printf("FAILED\n  %v\n", cerr)
				issues++
			} else {
				fmt.Printf("ok (%d memories, %d archived)\n", total, archived)
			}
		}
	}

	// 5. Disk space where the database lives
	fmt.Print("checking disk space... ")
	if usage, err := disk.Usage(dataDir); err != nil {
		fmt.Printf("skipped (%v)\n", err)
	} else if usage.Free < lowDiskBytes {
		fmt.Printf("WARNING\n  only %d MB free at %s\n", usage.Free/1024/1024, dataDir)
		warnings++
	} else {
		fmt.Printf("ok (%.1f GB free)\n", float64(usage.Free)/(1024*1024*1024))
	}

	// 6. System resources
	fmt.Print("checking system resources... ")
	vm, vmErr := mem.VirtualMemory()
	cores, cpuErr := cpu.Counts(true)
	if vmErr != nil || cpuErr != nil {
		fmt.Println("skipped")
	} else {
		fmt.Printf("ok (%d cores, %.1f GB RAM, %.0f%% used)\n",
			cores, float64(vm.Total)/(1024*1024*1024), vm.UsedPercent)
		if vm.UsedPercent > 95 {
			fmt.Println("  WARNING: system memory nearly exhausted")
			warnings++
		}
	}

	fmt.Printf("\nplatform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("result: %d issue(s), %d warning(s)\n", issues, warnings)
	if issues > 0 {
		return fmt.Errorf("doctor found %d issue(s)", issues)
	}
	return nil
}
