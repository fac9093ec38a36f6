package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigreer/imgforge/internal/resize"
)

var resizeCmd = &cobra.Command{
	Use:   "resize <device>",
	Short: "Grow a partition of an already written disk",
	Long: `Grow one ext4 partition into the free space that follows it.

The end is either "all" (up to the next partition or the end of the disk)
or a size; plain numbers are MB, anything else is parsed as a size such as
30GB or 28GiB. The filesystem is checked with e2fsck before resize2fs runs.

Examples:
  imgforge resize /dev/sdb
  imgforge resize /dev/sdb --partition 3 --end all --yes
  imgforge resize /dev/loop0 --partition 2 --end 20000`,
	Args: cobra.ExactArgs(1),
	Run:  runResize,
}

func init() {
	resizeCmd.Flags().Int("partition", 0, "partition number to enlarge")
	resizeCmd.Flags().String("end", "", `new end: "all" or a size`)
	resizeCmd.Flags().BoolP("yes", "y", false, "answer yes to every confirmation")
}

func runResize(cmd *cobra.Command, args []string) {
	index, _ := cmd.Flags().GetInt("partition")
	end, _ := cmd.Flags().GetString("end")
	yes, _ := cmd.Flags().GetBool("yes")

	a := setup(yes)
	defer a.close()

	preflight(a, "lsblk", "sgdisk", "parted", "e2fsck", "resize2fs")

	p, err := a.pipeline()
	if err != nil {
		fail(a, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := p.Resize(ctx, resize.Request{Device: args[0], Partition: index, End: end})
	if err != nil {
		fail(a, err)
	}

	switch st.Resize {
	case resize.Done:
		fmt.Println("Partition enlarged and filesystem grown")
	case resize.Skipped:
		fmt.Println("Nothing resized")
	}
}
