package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mapeo.dev/go/mapeo/internal/config"
	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/keychain"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/tui"
)

var (
	initName  string
	initType  string
	initForce bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initName, "name", "", "device name shown to peers (default: hostname)")
	initCmd.Flags().StringVar(&initType, "type", "", "device type: mobile, tablet, desktop, selfHostedServer")
	initCmd.Flags().BoolVar(&initForce, "force", false, "replace an existing device identity")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up this device",
	Long: `Create the device identity and config file.

The identity is an Ed25519 key. Its public key is the device ID that peers
see. The private seed is kept in the system keychain, or in an owner-only
file when no keychain is available.

Examples:
  mapeo init
  mapeo init --name field-tablet --type tablet`,
	RunE: runInit,
}

var deviceTypes = []string{"desktop", "mobile", "tablet", "selfHostedServer"}

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	store := keychain.New(paths.SeedFile)
	if _, err := store.Load(); err == nil && !initForce {
		return fmt.Errorf("this device is already set up (use --force to replace its identity)")
	} else if err != nil && !errors.Is(err, keychain.ErrNotFound) {
		return err
	}

	cfg, err := config.LoadFrom(paths.ConfigFile)
	if err != nil {
		return err
	}

	name, deviceType, err := initAnswers(cfg)
	if err != nil {
		return err
	}
	cfg.Device.Name = name
	cfg.Device.Type = deviceType
	if err := cfg.Validate(); err != nil {
		return err
	}

	id, err := crypto.GenerateIdentity(name)
	if err != nil {
		return err
	}
	seed := id.Seed()
	defer crypto.ZeroBytes(seed)
	if initForce {
		// Clear both locations so a stale seed file cannot shadow the new key.
		if err := store.Delete(); err != nil {
			return err
		}
	}
	if err := store.Save(seed); err != nil {
		return err
	}
	if err := cfg.SaveTo(paths.ConfigFile); err != nil {
		return err
	}

	fmt.Printf("Device ready.\n\n")
	fmt.Printf("  Name:      %s\n", name)
	fmt.Printf("  Type:      %s\n", deviceType)
	fmt.Printf("  Device ID: %s\n", id.DeviceID())
	fmt.Printf("  Config:    %s\n", paths.ConfigFile)
	if !keychain.IsAvailable() {
		fmt.Printf("  Seed file: %s\n", paths.SeedFile)
	}
	fmt.Println()
	fmt.Println("Start the daemon with: mapeo daemon start")
	return nil
}

// initAnswers resolves the device name and type from flags, prompting on a
// terminal for anything not given.
func initAnswers(cfg *config.Config) (string, string, error) {
	name := strings.TrimSpace(initName)
	deviceType := initType

	defaultName := cfg.Device.Name
	if defaultName == "" {
		defaultName, _ = os.Hostname()
	}
	if len(defaultName) > protocol.MaxDeviceNameLength {
		defaultName = defaultName[:protocol.MaxDeviceNameLength]
	}

	interactive := tui.IsTerminal()
	p := tui.Stdio()

	if name == "" {
		if interactive {
			var err error
			if name, err = p.ReadLineDefault("Device name", defaultName); err != nil {
				return "", "", err
			}
		} else {
			name = defaultName
		}
	}

	if deviceType == "" {
		deviceType = cfg.Device.Type
		if interactive {
			i, err := p.Select("Device type:", deviceTypes)
			if err != nil {
				return "", "", err
			}
			deviceType = deviceTypes[i]
		}
	}
	return name, deviceType, nil
}
