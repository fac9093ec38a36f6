package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var regenCmd = &cobra.Command{
	Use:   "regen-uuids <device>",
	Short: "Give the boot, root and EFI filesystems new UUIDs",
	Long: `Regenerate filesystem UUIDs on an already written disk.

Partitions are found by GPT type GUID, or on MBR disks by a "boot" or
"root" label. References in the EFI grub.cfg, extlinux.conf, the first
boot loader entry and /etc/fstab are rewritten before the superblocks
change, and checked again afterwards.`,
	Args: cobra.ExactArgs(1),
	Run:  runRegen,
}

func init() {
	regenCmd.Flags().BoolP("yes", "y", false, "answer yes to every confirmation")
}

func runRegen(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")

	a := setup(yes)
	defer a.close()

	preflight(a, "lsblk", "e2fsck", "tune2fs", "fatlabel")

	p, err := a.pipeline()
	if err != nil {
		fail(a, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := p.Regenerate(ctx, args[0])
	if err != nil {
		fail(a, err)
	}

	for _, id := range st.Identities {
		fmt.Printf("%-5s %-16s %s -> %s\n", id.Role, id.Partition, id.Current, id.Text())
	}
	for _, site := range st.Sites {
		fmt.Printf("updated %s\n", site)
	}
}
