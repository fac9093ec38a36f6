package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/pipeline"
	"github.com/sigreer/imgforge/internal/resize"
	"github.com/sigreer/imgforge/internal/target"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Write an image to a device or file, resize, and regenerate UUIDs",
	Long: `Write an OS image to a target and prepare it for first boot.

Stages, each confirmed before it changes anything:
  1. Resolve the target (refuses the disk holding the running system)
  2. Erase signatures and copy the image
  3. Optionally grow a partition into the free space (ext4 only)
  4. Regenerate the boot, root and EFI filesystem UUIDs and update
     grub.cfg, extlinux.conf, the first loader entry and /etc/fstab

A --file target that does not exist is created at --size and bound to a
loop device for stages 3 and 4; the loop device is always released.

--yes answers every confirmation, but never overrides a too-small target
(--allow-oversize) or escalates a failed wipe (--force-wipe).

Examples:
  imgforge provision --image Fedora-Minimal-41.aarch64.raw.xz --device /dev/sdb
  imgforge provision --image fedora.raw --file rpi.img --size 16GiB --yes
  imgforge provision --image fedora.raw --device /dev/mmcblk0 --resize-partition 3 --resize-end all`,
	Args: cobra.NoArgs,
	Run:  runProvision,
}

func init() {
	provisionCmd.Flags().String("image", "", "raw or .xz/.gz compressed image")
	provisionCmd.Flags().String("device", "", "target block device")
	provisionCmd.Flags().String("file", "", "target image file")
	provisionCmd.Flags().String("size", "", "size of a new target file (e.g. 8GiB)")
	provisionCmd.Flags().BoolP("yes", "y", false, "answer yes to every confirmation")
	provisionCmd.Flags().Bool("allow-oversize", false, "write even if the image is larger than the target")
	provisionCmd.Flags().Bool("force-wipe", false, "retry a failed wipe with wipefs --force")
	provisionCmd.Flags().Bool("no-resize", false, "skip partition enlargement")
	provisionCmd.Flags().Int("resize-partition", 0, "partition number to enlarge")
	provisionCmd.Flags().String("resize-end", "", `new partition end: "all" or a size (plain numbers are MB)`)
	provisionCmd.Flags().Bool("keep-uuids", false, "skip UUID regeneration")

	provisionCmd.MarkFlagRequired("image")
	provisionCmd.MarkFlagsOneRequired("device", "file")
	provisionCmd.MarkFlagsMutuallyExclusive("device", "file")
}

func runProvision(cmd *cobra.Command, args []string) {
	imagePath, _ := cmd.Flags().GetString("image")
	device, _ := cmd.Flags().GetString("device")
	file, _ := cmd.Flags().GetString("file")
	size, _ := cmd.Flags().GetString("size")
	yes, _ := cmd.Flags().GetBool("yes")
	allowOversize, _ := cmd.Flags().GetBool("allow-oversize")
	forceWipe, _ := cmd.Flags().GetBool("force-wipe")
	noResize, _ := cmd.Flags().GetBool("no-resize")
	resizePartition, _ := cmd.Flags().GetInt("resize-partition")
	resizeEnd, _ := cmd.Flags().GetString("resize-end")
	keepUUIDs, _ := cmd.Flags().GetBool("keep-uuids")

	if size != "" {
		if file == "" {
			fmt.Fprintln(os.Stderr, "Error: --size only applies to --file targets")
			os.Exit(1)
		}
		if _, err := humanize.ParseBytes(size); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --size %q: %v\n", size, err)
			os.Exit(1)
		}
	}

	a := setup(yes)
	defer a.close()

	// --yes alone never overrides these two
	presetGate(a.term, approval.KeyCapacity, allowOversize, yes)
	presetGate(a.term, approval.KeyForceWipe, forceWipe, yes)
	if size != "" {
		a.term.Preset(approval.KeyTargetSize, size)
	}

	tools := []string{"lsblk", "wipefs"}
	if a.cfg.Write.Copier == "dd" {
		tools = append(tools, "dd")
	}
	if file != "" {
		tools = append(tools, "losetup")
	} else {
		tools = append(tools, "blockdev")
	}
	if !noResize {
		tools = append(tools, "sgdisk", "parted", "e2fsck", "resize2fs")
	}
	regenerate := !keepUUIDs && a.cfg.RegenEnabled()
	if regenerate {
		tools = append(tools, "tune2fs", "fatlabel")
		if noResize {
			tools = append(tools, "e2fsck")
		}
	}
	preflight(a, tools...)

	p, err := a.pipeline()
	if err != nil {
		fail(a, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := p.Provision(ctx, pipeline.Options{
		Image:  imagePath,
		Target: target.Request{Device: device, File: file},
		Resize: !noResize,
		ResizeRequest: resize.Request{
			Partition: resizePartition,
			End:       resizeEnd,
		},
		Regen: regenerate,
	})
	if err != nil {
		fail(a, err)
	}

	fmt.Printf("\nWrote %s to %s (%s)\n", st.Source.Path, st.Target.Path, humanize.IBytes(st.Written))
	if st.Resize == resize.Done {
		fmt.Println("Partition enlarged and filesystem grown")
	}
	for _, id := range st.Identities {
		fmt.Printf("  %-5s %-16s %s -> %s\n", id.Role, id.Partition, id.Current, id.Text())
	}
}

func presetGate(t *approval.Terminal, key string, flag, assumeYes bool) {
	switch {
	case flag:
		t.Preset(key, "yes")
	case assumeYes:
		t.Preset(key, "no")
	}
}
