package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arcget/arcget/arcvol"
	"github.com/arcget/arcget/arcvol/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	verbose    bool
	noProgress bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arcget",
		Short: "Read files out of zip archives through the archive volume engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLogLevel(logger.LogLevelDebug)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging of chunk traffic")

	infoCmd := &cobra.Command{
		Use:   "info <ARCHIVE>",
		Short: "Show the archive's volume id, size, and entry count",
		Args:  cobra.ExactArgs(1),
		Run:   runInfo,
	}

	lsCmd := &cobra.Command{
		Use:   "ls <ARCHIVE>",
		Short: "List files in an archive",
		Args:  cobra.ExactArgs(1),
		Run:   runLs,
	}

	getCmd := &cobra.Command{
		Use:   "get <ARCHIVE> <PATH> [OUTPUT_DIR]",
		Short: "Extract a file or directory. Use '.' or '/' for all files",
		Args:  cobra.RangeArgs(2, 3),
		Run:   runGet,
	}
	getCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	rootCmd.AddCommand(infoCmd, lsCmd, getCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInfo(cmd *cobra.Command, args []string) {
	c := newClient()
	volumeID, size, entries, err := c.mount(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.unmount(volumeID)

	files := 0
	var total int64
	for _, e := range entries {
		if !e.Dir {
			files++
			total += e.Size
		}
	}
	fmt.Printf("Volume:       %s\n", volumeID)
	fmt.Printf("Archive size: %d bytes\n", size)
	fmt.Printf("Entries:      %d (%d files, %d bytes uncompressed)\n", len(entries), files, total)
}

func runLs(cmd *cobra.Command, args []string) {
	c := newClient()
	volumeID, _, entries, err := c.mount(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.unmount(volumeID)

	sorted := make([]*arcvol.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, e := range sorted {
		if e.Dir {
			fmt.Printf("%12s  %s  %s/\n", "-", e.ModTime.Format("2006-01-02 15:04"), e.Path)
			continue
		}
		fmt.Printf("%12d  %s  %s\n", e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Path)
	}
}

func runGet(cmd *cobra.Command, args []string) {
	archivePath := args[0]
	pathPattern := args[1]
	outputDir := "."
	if len(args) > 2 {
		outputDir = args[2]
	}

	c := newClient()
	volumeID, size, entries, err := c.mount(archivePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.unmount(volumeID)

	matched := matchEntries(entries, pathPattern)
	if len(matched) == 0 {
		fmt.Fprintf(os.Stderr, "No files matched: %s\n", pathPattern)
		os.Exit(1)
	}

	var total int64
	for _, e := range matched {
		total += e.Size
	}

	var bar *progressbar.ProgressBar
	if !noProgress {
		bar = progressbar.DefaultBytes(total, "extracting")
	}

	var group errgroup.Group
	group.SetLimit(4)
	for _, e := range matched {
		e := e
		group.Go(func() error {
			outputPath := filepath.Join(outputDir, filepath.Clean(e.Path))
			if len(matched) == 1 && pathPattern == e.Path {
				outputPath = filepath.Join(outputDir, filepath.Base(e.Path))
			}
			return c.extract(volumeID, size, e, outputPath, bar)
		})
	}
	if err := group.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Extracted %d file(s) to %s\n", len(matched), outputDir)
}

// matchEntries selects the files named by pattern: everything for "." or
// "/", one exact file, or all files under a directory path.
func matchEntries(entries []*arcvol.Entry, pattern string) []*arcvol.Entry {
	pattern = strings.TrimSuffix(pattern, "/")
	var matched []*arcvol.Entry
	for _, e := range entries {
		if e.Dir {
			continue
		}
		switch {
		case pattern == "" || pattern == ".":
			matched = append(matched, e)
		case e.Path == pattern:
			matched = append(matched, e)
		case strings.HasPrefix(e.Path, pattern+"/"):
			matched = append(matched, e)
		}
	}
	return matched
}

// extract streams one entry to outputPath, following hasMoreData until
// the decoded content is exhausted.
func (c *client) extract(volumeID string, archiveSize int64, e *arcvol.Entry, outputPath string, bar *progressbar.ProgressBar) error {
	openID, err := c.open(volumeID, e.Path, archiveSize)
	if err != nil {
		return err
	}
	defer c.closeFile(volumeID, openID)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	var offset int64
	for offset < e.Size {
		data, hasMore, err := c.read(volumeID, openID, offset, e.Size-offset)
		if err != nil {
			return fmt.Errorf("read %s at %d: %w", e.Path, offset, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("read %s at %d: empty reply", e.Path, offset)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", outputPath, err)
		}
		if bar != nil {
			bar.Add(len(data))
		}
		offset += int64(len(data))
		if !hasMore {
			break
		}
	}
	return nil
}
