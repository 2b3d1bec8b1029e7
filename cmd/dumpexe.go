package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mkoberg/amidbg/pkg/debug/hunk"
)

// dumpexeCmd dumps the block structure of a Hunk executable. Useful for
// checking whether an executable carries debug information at all before
// starting a session on it.
var dumpexeCmd = &cobra.Command{
	Use:   "dumpexe <executable>",
	Short: "Dump the block structure of an Amiga Hunk executable",
	Args:  cobra.ExactArgs(1),
	RunE:  runDumpexe,
}

func init() {
	RootCmd.AddCommand(dumpexeCmd)
}

func runDumpexe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	exe, err := hunk.ReadExecutable(args[0], log)
	if err != nil {
		return err
	}

	if exe.Header != nil {
		fmt.Printf("HUNK_HEADER: %d hunk(s), first = %d, last = %d\n",
			exe.Header.NumHunks, exe.Header.FirstHunk, exe.Header.LastHunk)
		for i, size := range exe.Header.HunkSizes {
			fmt.Printf("  hunk #%d: %d bytes\n", int(exe.Header.FirstHunk)+i, size)
		}
	}

	var blockTypes []hunk.BlockType
	for blockType := range exe.Blocks {
		blockTypes = append(blockTypes, blockType)
	}
	sort.Slice(blockTypes, func(i, j int) bool { return blockTypes[i] < blockTypes[j] })
	for _, blockType := range blockTypes {
		fmt.Printf("%-13s %d bytes\n", blockType, len(exe.Blocks[blockType]))
	}

	for _, symbol := range exe.Symbols {
		fmt.Printf("symbol %s = 0x%08x\n", symbol.Name, symbol.Value)
	}
	for _, symbol := range exe.ExtSymbols {
		if len(symbol.Refs) > 0 {
			fmt.Printf("ext symbol %s (type %d), %d reference(s)\n", symbol.Name, symbol.Type, len(symbol.Refs))
		} else {
			fmt.Printf("ext symbol %s (type %d) = 0x%08x\n", symbol.Name, symbol.Type, symbol.Value)
		}
	}
	for _, group := range exe.Relocs {
		fmt.Printf("%d relocation(s) referencing hunk #%d\n", len(group.Offsets), group.Hunk)
	}

	if data, err := exe.StabsData(); err == nil {
		fmt.Printf("debug block contains %d bytes of STABS records\n", len(data))
	}
	return nil
}
