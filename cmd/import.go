package main

import (
	"fmt"
	"sort"

	"github.com/jamespfennell/gtfs"
	"github.com/spf13/cobra"

	"tidbyt.dev/gtfstrace/downloader"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Downloads a static feed and stores it",
	Args:  cobra.NoArgs,
	RunE:  importFeed,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Parses a static feed and reports what it contains",
	Args:  cobra.NoArgs,
	RunE:  inspect,
}

var showWarnings bool

func init() {
	inspectCmd.Flags().BoolVarP(&showWarnings, "warnings", "w", false, "List every parser warning")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(inspectCmd)
}

func importFeed(cmd *cobra.Command, args []string) error {
	if feedURL == "" {
		return fmt.Errorf("static URL is required")
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	h, err := parseHeaders(headers)
	if err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	metadata, isNew, err := e.Manager.Import(cmd.Context(), feedURL, h)
	if err != nil {
		return err
	}

	status := "unchanged"
	if isNew {
		status = "imported"
	}
	fmt.Printf("%s %s %s-%s %s\n", status, metadata.Hash, metadata.CalendarStartDate, metadata.CalendarEndDate, metadata.Timezone)

	return nil
}

// Runs the feed through an independent parser. Useful for telling
// broken feeds apart from import problems.
func inspect(cmd *cobra.Command, args []string) error {
	if feedURL == "" {
		return fmt.Errorf("static URL is required")
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	h, err := parseHeaders(headers)
	if err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	body, err := downloader.Fetch(cmd.Context(), feedURL, h, downloader.GetOptions{
		Timeout: e.Config.FeedTimeout,
		MaxSize: e.Config.FeedMaxSize,
	})
	if err != nil {
		return err
	}

	static, err := gtfs.ParseStatic(body, gtfs.ParseStaticOptions{})
	if err != nil {
		return fmt.Errorf("parsing feed: %w", err)
	}

	counts := staticCounts(static)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %d\n", k, counts[k])
	}

	fmt.Printf("warnings: %d\n", len(static.Warnings))
	if showWarnings {
		for _, w := range static.Warnings {
			fmt.Printf("  %v\n", w)
		}
	}

	return nil
}

func staticCounts(static *gtfs.Static) map[string]int {
	stopTimes := 0
	for _, trip := range static.Trips {
		stopTimes += len(trip.StopTimes)
	}
	shapePoints := 0
	for _, shape := range static.Shapes {
		shapePoints += len(shape.Points)
	}

	return map[string]int{
		"agencies":     len(static.Agencies),
		"routes":       len(static.Routes),
		"stops":        len(static.Stops),
		"services":     len(static.Services),
		"trips":        len(static.Trips),
		"stop_times":   stopTimes,
		"shapes":       len(static.Shapes),
		"shape_points": shapePoints,
	}
}
