package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

var dim = color.New(color.Faint)

func statusLabel(s models.DeviceStatus) string {
	switch s {
	case models.DeviceRunning:
		return color.New(color.FgGreen).Sprint(s)
	case models.DevicePaused:
		return color.New(color.FgYellow).Sprint(s)
	case models.DeviceError, models.DeviceDisconnected:
		return color.New(color.FgRed).Sprint(s)
	}
	return color.New(color.FgBlue).Sprint(s)
}

func stateLabel(s models.RunState) string {
	switch s {
	case models.RunFinished:
		return color.New(color.FgGreen).Sprint(s)
	case models.RunPaused, models.RunStopped:
		return color.New(color.FgYellow).Sprint(s)
	case models.RunFailed:
		return color.New(color.FgRed).Sprint(s)
	}
	return string(s)
}

func deviceStatusFor(s models.RunState) models.DeviceStatus {
	switch s {
	case models.RunRunning:
		return models.DeviceRunning
	case models.RunPaused:
		return models.DevicePaused
	case models.RunFailed:
		return models.DeviceError
	}
	return models.DeviceIdle
}

func printSummary(results map[string]models.RunResult, duration time.Duration, outputDir string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Harvest complete")

	serials := make([]string, 0, len(results))
	for serial := range results {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	totalRecords := 0
	for _, serial := range serials {
		res := results[serial]
		totalRecords += res.Records
		fmt.Printf("  %-14s %s\n", serial, stateLabel(res.FinalState))
		fmt.Printf("    Tasks:       %d/%d completed, %d skipped\n", res.TasksCompleted, res.TasksTotal, res.TasksSkipped)
		fmt.Printf("    Records:     %d\n", res.Records)
		fmt.Printf("    Duplicates:  %d\n", res.Duplicates)
		if len(res.ErrorsByType) > 0 {
			fmt.Printf("    Error types: %v\n", res.ErrorsByType)
		}
		if !res.EndTime.IsZero() {
			fmt.Printf("    Duration:    %v\n", res.EndTime.Sub(res.StartTime).Round(time.Millisecond))
		}
	}

	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(totalRecords) / duration.Seconds()
	}
	fmt.Printf("  Total items:   %d\n", totalRecords)
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Items/sec:     %.2f\n", itemsPerSec)
	fmt.Printf("  Output dir:    %s\n", outputDir)
	fmt.Println(separator)
}
