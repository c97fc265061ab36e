// Command zepboot-sim drives the bootloader's boot dispatcher and image
// builder against plain files standing in for flash devices, so the
// swap engine and signature/encryption logic can be exercised without
// real hardware. Its command tree is grounded on
// apache-mynewt-newt/newtmgr's cli.Commands()/main.go pattern: a root
// cobra.Command configuring logging in PersistentPreRun, with one
// subcommand per operation.
package main

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Laczen/ZEPboot/boot"
	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
	"github.com/Laczen/ZEPboot/image"
	"github.com/Laczen/ZEPboot/imagebuild"
	"github.com/Laczen/ZEPboot/journal"
	"github.com/Laczen/ZEPboot/simflash"
)

var logLevelStr string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zepboot-sim",
		Short: "Simulates the ZEPboot image-swap bootloader against flat files.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := log.ParseLevel(logLevelStr)
			if err != nil {
				level = log.InfoLevel
			}
			bootutil.InitLogging(level)
		},
	}
	root.PersistentFlags().StringVarP(&logLevelStr, "loglevel", "l", "info",
		"log level: panic, fatal, error, warn, info, debug")

	root.AddCommand(genKeyCmd())
	root.AddCommand(buildImageCmd())
	root.AddCommand(requestSwapCmd())
	root.AddCommand(bootCmd())
	return root
}

func genKeyCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "gen-signing-key",
		Short: "Generates a PEM-encoded P-256 signing key for build-image --key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return err
			}
			der, err := x509.MarshalECPrivateKey(priv)
			if err != nil {
				return err
			}
			block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
			return os.WriteFile(out, pem.EncodeToMemory(block), 0o600)
		},
	}
	cmd.Flags().StringVar(&out, "out", "signing-key.pem", "output path")
	return cmd
}

func buildImageCmd() *cobra.Command {
	var (
		payloadPath string
		outPath     string
		keyPath     string
		slotOffset  int64
		loadAddr    uint32
		version     string
		ramLoad     bool
	)
	cmd := &cobra.Command{
		Use:   "build-image",
		Short: "Signs a raw payload into a TLV image file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(payloadPath)
			if err != nil {
				return err
			}
			priv, err := loadSigningKey(keyPath)
			if err != nil {
				return err
			}

			var major, minor uint8
			var revision uint16
			if _, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &revision); err != nil {
				return bootutil.ChildBootError(err, "parsing --version %q (want MAJOR.MINOR.REVISION)", version)
			}

			imgType := image.TypeNormal
			if ramLoad {
				imgType = image.TypeRAMLoad
			}

			spec := imagebuild.Spec{
				Payload:     payload,
				SlotOffset:  slotOffset,
				LoadAddress: loadAddr,
				Version:     image.Version{Major: major, Minor: minor, Revision: revision},
				Type:        imgType,
			}
			result, err := imagebuild.Build(spec, priv)
			if err != nil {
				return err
			}
			combined := append(result.Header, result.Payload...)
			return os.WriteFile(outPath, combined, 0o644)
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "path to the raw image payload")
	cmd.Flags().StringVar(&outPath, "out", "image.bin", "output path for the TLV image")
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM-encoded ECDSA-P256 signing key")
	cmd.Flags().Int64Var(&slotOffset, "slot-offset", 0, "absolute flash offset the image will be written at")
	cmd.Flags().Uint32Var(&loadAddr, "load-address", 0, "SRAM load address, for --ram-load images")
	cmd.Flags().StringVar(&version, "version", "1.0.0", "image version, MAJOR.MINOR.REVISION")
	cmd.Flags().BoolVar(&ramLoad, "ram-load", false, "mark the image as RAM-load rather than flash-resident")
	cmd.MarkFlagRequired("payload")
	cmd.MarkFlagRequired("key")
	return cmd
}

func requestSwapCmd() *cobra.Command {
	var (
		trailerPath string
		permanent   bool
		bt0Request  bool
		sectorSize  int
		writeBlock  int
	)
	cmd := &cobra.Command{
		Use:   "request-swap",
		Short: "Appends a swap or boot-override request to a trailer file's command log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, size, err := loadDevice(trailerPath, writeBlock)
			if err != nil {
				return err
			}

			// BT0_REQUEST is read from slt1end (§4.G step 2); a permanent
			// or test swap request is read from slt0end's log, which sits
			// just past the parameter record in the same sector.
			var region flash.Region
			var cmd1 uint8
			if bt0Request {
				region = flash.Region{Device: dev, Offset: int64(sectorSize), Size: int64(size) - int64(sectorSize)}
				cmd1 = journal.Cmd1Bt0Request
			} else {
				region = flash.Region{Device: dev, Offset: journal.ParamSize, Size: int64(sectorSize) - journal.ParamSize}
				cmd1 = journal.Cmd1SwpRequest
				if permanent {
					cmd1 |= journal.Cmd1SwpPerm
				}
			}
			cmdLog := journal.Log{Region: region}
			if err := cmdLog.Append(crypto.Cmd{Cmd1: cmd1}); err != nil {
				return err
			}
			return saveDevice(trailerPath, dev)
		},
	}
	cmd.Flags().StringVar(&trailerPath, "trailer", "", "trailer file (slt0end parameter record + log, followed by slt1end's log)")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "set SWP_PERM so the log is erased once the swap completes")
	cmd.Flags().BoolVar(&bt0Request, "bt0", false, "request a one-shot override to boot the secondary load address instead of a swap")
	cmd.Flags().IntVar(&sectorSize, "sector-size", 4096, "slt0end sector size, i.e. the offset of slt1end within the trailer file")
	cmd.Flags().IntVar(&writeBlock, "write-block", 8, "simulated device write-block size")
	cmd.MarkFlagRequired("trailer")
	return cmd
}

func bootCmd() *cobra.Command {
	var (
		slot0Path, slot1Path, trailerPath, scratchPath, keyPath string
		sectorSize, writeBlock                                  int
	)
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Runs the boot dispatcher against slot/trailer files and reports the outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := loadSigningKey(keyPath)
			if err != nil {
				return err
			}
			table := make([]byte, crypto.PublicKeyBytes)
			xb, yb := priv.PublicKey.X.Bytes(), priv.PublicKey.Y.Bytes()
			copy(table[32-len(xb):32], xb)
			copy(table[64-len(yb):64], yb)
			bootPriv, err := ecdh.P256().GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			f, err := crypto.NewFacade(bootPriv.Bytes(), table)
			if err != nil {
				return err
			}

			slot0Dev, slot0Size, err := loadDevice(slot0Path, writeBlock)
			if err != nil {
				return err
			}
			slot1Dev, _, err := loadDevice(slot1Path, writeBlock)
			if err != nil {
				return err
			}
			trailerDev, _, err := loadDevice(trailerPath, writeBlock)
			if err != nil {
				return err
			}
			scratchDev, scratchSize, err := loadDevice(scratchPath, writeBlock)
			if err != nil {
				return err
			}

			area := boot.SlotArea{
				Name:       "app",
				Slot0:      flash.Region{Device: slot0Dev, Offset: 0, Size: int64(slot0Size)},
				Slot1:      flash.Region{Device: slot1Dev, Offset: 0, Size: int64(slot0Size)},
				Slt0End:    flash.Region{Device: trailerDev, Offset: 0, Size: int64(sectorSize)},
				Slt1End:    flash.Region{Device: trailerDev, Offset: int64(sectorSize), Size: int64(sectorSize)},
				Scratch:    flash.Region{Device: scratchDev, Offset: 0, Size: int64(scratchSize)},
				SectorSize: sectorSize,
			}

			err = boot.Dispatch([]boot.SlotArea{area}, f, func(o boot.Outcome) error {
				bootutil.Statusf(bootutil.VerbosityDefault,
					"booting %s: image [0x%x,0x%x) version %+v", o.Area.Name, o.Info.Start, o.Info.End, o.Info.Version)
				return nil
			})
			if err != nil {
				return err
			}

			if err := saveDevice(slot0Path, slot0Dev); err != nil {
				return err
			}
			if err := saveDevice(slot1Path, slot1Dev); err != nil {
				return err
			}
			if err := saveDevice(trailerPath, trailerDev); err != nil {
				return err
			}
			return saveDevice(scratchPath, scratchDev)
		},
	}
	cmd.Flags().StringVar(&slot0Path, "slot0", "", "slot 0 file")
	cmd.Flags().StringVar(&slot1Path, "slot1", "", "slot 1 file")
	cmd.Flags().StringVar(&trailerPath, "trailer", "", "trailer file (parameter record + slot0 command log)")
	cmd.Flags().StringVar(&scratchPath, "scratch", "", "swap-progress scratch file")
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM-encoded ECDSA-P256 root signing key")
	cmd.Flags().IntVar(&sectorSize, "sector-size", 4096, "erase sector size")
	cmd.Flags().IntVar(&writeBlock, "write-block", 8, "simulated device write-block size")
	for _, name := range []string{"slot0", "slot1", "trailer", "scratch", "key"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, bootutil.FmtBootError("no PEM block found in %s", path)
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func loadDevice(path string, writeBlock int) (*simflash.Device, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	dev := simflash.New(path, len(raw), writeBlock)
	copy(dev.Bytes(), raw)
	return dev, len(raw), nil
}

func saveDevice(path string, dev *simflash.Device) error {
	return os.WriteFile(path, dev.Bytes(), 0o644)
}
