package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/gtfstrace/model"
)

var runsOnCmd = &cobra.Command{
	Use:   "runs-on <trip_id> [day]",
	Short: "Tells whether a trip runs on a day, and which day it is attributed to",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runsOn,
}

var positionCmd = &cobra.Command{
	Use:   "position <trip_id> <HH:MM:SS> [day]",
	Short: "Prints where a trip's vehicle is at a time of day",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  position,
}

var tripsCmd = &cobra.Command{
	Use:   "trips [day]",
	Short: "Lists trips running on a day",
	Args:  cobra.RangeArgs(0, 1),
	RunE:  trips,
}

var servicesCmd = &cobra.Command{
	Use:   "services [day]",
	Short: "Lists services running on a day",
	Args:  cobra.RangeArgs(0, 1),
	RunE:  services,
}

var activeCmd = &cobra.Command{
	Use:   "active <HH:MM:SS>",
	Short: "Lists computed positions at a second of the service day",
	Args:  cobra.ExactArgs(1),
	RunE:  active,
}

func init() {
	rootCmd.AddCommand(runsOnCmd)
	rootCmd.AddCommand(positionCmd)
	rootCmd.AddCommand(tripsCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(activeCmd)
}

func runsOn(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	schedule, err := e.loadSchedule(cmd.Context(), nil)
	if err != nil {
		return err
	}

	day, err := parseDay(schedule, args, 1)
	if err != nil {
		return err
	}

	record, err := schedule.Record(args[0], day)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s runs=%t start=%s end=%s\n", args[0], day, record.Runs, record.Start, record.End)
	return nil
}

func position(cmd *cobra.Command, args []string) error {
	offset, err := model.ParseOffset(args[1])
	if err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	schedule, err := e.loadSchedule(cmd.Context(), nil)
	if err != nil {
		return err
	}

	day, err := parseDay(schedule, args, 2)
	if err != nil {
		return err
	}

	p, ok, err := schedule.PositionAt(args[0], day, time.Duration(offset)*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s is not under way at %s on %s\n", args[0], args[1], day)
		return nil
	}

	fmt.Printf("%.6f,%.6f\n", p.Lat, p.Lon)
	return nil
}

func trips(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	schedule, err := e.loadSchedule(cmd.Context(), nil)
	if err != nil {
		return err
	}

	day, err := parseDay(schedule, args, 0)
	if err != nil {
		return err
	}

	running, err := schedule.TripsOn(day)
	if err != nil {
		return err
	}

	for _, trip := range running {
		fmt.Printf("%s %s %s\n", trip.ID, trip.RouteID, trip.ServiceID)
	}
	return nil
}

func services(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	schedule, err := e.loadSchedule(cmd.Context(), nil)
	if err != nil {
		return err
	}

	day, err := parseDay(schedule, args, 0)
	if err != nil {
		return err
	}

	active, err := schedule.ActiveServices(day)
	if err != nil {
		return err
	}

	for _, serviceID := range active {
		fmt.Println(serviceID)
	}
	return nil
}

func active(cmd *cobra.Command, args []string) error {
	second, err := model.ParseOffset(args[0])
	if err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	schedule, err := e.loadSchedule(cmd.Context(), nil)
	if err != nil {
		return err
	}

	samples, err := schedule.ActiveAt(second)
	if err != nil {
		return err
	}

	for _, s := range samples {
		fmt.Printf("%s %s %s %.6f,%.6f %s\n", s.TripID, s.RouteID, s.Mode, s.Lat, s.Lon, s.PickupText)
	}
	return nil
}
