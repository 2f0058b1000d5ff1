package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/snapsentinel/snapsentinel/internal/sentinelctl"
)

var (
	coordinatorURL = flag.String("coordinator-url", "http://localhost:8080", "Coordinator API URL")
	format         = flag.String("format", "table", "Output format: table or json")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := sentinelctl.NewHTTPClient(*coordinatorURL)

	switch args[0] {
	case "devices":
		handleDevices(client, args[1:])
	case "capture":
		handleCapture(client, args[1:])
	case "interval":
		handleInterval(client, args[1:])
	case "artifacts":
		handleArtifacts(client, args[1:])
	case "health":
		handleHealth(client)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func handleDevices(client *sentinelctl.HTTPClient, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: devices command requires subcommand (list, get)\n")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		devices, err := sentinelctl.ListDevices(client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *format == "json" {
			printJSON(devices)
		} else {
			printDevicesTable(devices)
		}

	case "get":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: devices get requires device id\n")
			os.Exit(1)
		}
		device, err := sentinelctl.GetDevice(client, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *format == "json" {
			printJSON(device)
		} else {
			printDeviceTable(device)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown devices subcommand %q\n", args[0])
		os.Exit(1)
	}
}

func handleCapture(client *sentinelctl.HTTPClient, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: capture requires device id\n")
		os.Exit(1)
	}

	result, err := sentinelctl.Capture(client, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(result)
	} else {
		fmt.Printf("%s: capture %s\n", result.TargetDeviceID, result.Status)
	}
}

func handleInterval(client *sentinelctl.HTTPClient, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: interval requires device id and seconds\n")
		os.Exit(1)
	}

	seconds, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid interval %q\n", args[1])
		os.Exit(1)
	}

	result, err := sentinelctl.SetInterval(client, args[0], seconds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(result)
	} else {
		fmt.Printf("%s: set_interval %s (%ds)\n", result.TargetDeviceID, result.Status, seconds)
	}
}

func handleArtifacts(client *sentinelctl.HTTPClient, args []string) {
	limit := 50
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid limit %q\n", args[0])
			os.Exit(1)
		}
		limit = n
	}

	artifacts, err := sentinelctl.ListArtifacts(client, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(artifacts)
	} else {
		printArtifactsTable(artifacts)
	}
}

func handleHealth(client *sentinelctl.HTTPClient) {
	status, err := sentinelctl.Health(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(status)
	} else {
		fmt.Printf("status: %s  devices online: %d  connections: %d\n",
			status.Status, status.Devices, status.Connections)
	}
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func printDevicesTable(devices []sentinelctl.DeviceJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tOS\tVERSION\tOUTDATED\tLAST_SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			d.ID, d.Status, d.OS, d.Version, d.Outdated,
			d.LastSeen.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printDeviceTable(device *sentinelctl.DeviceJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ID\t%s\n", device.ID)
	fmt.Fprintf(w, "STATUS\t%s\n", device.Status)
	fmt.Fprintf(w, "OS\t%s\n", device.OS)
	fmt.Fprintf(w, "VERSION\t%s\n", device.Version)
	fmt.Fprintf(w, "OUTDATED\t%t\n", device.Outdated)
	fmt.Fprintf(w, "LAST_SEEN\t%s\n", device.LastSeen.Format("2006-01-02 15:04:05"))
	if !device.ConnectedAt.IsZero() {
		fmt.Fprintf(w, "CONNECTED_AT\t%s\n", device.ConnectedAt.Format("2006-01-02 15:04:05"))
	}
	for k, v := range device.Metadata {
		fmt.Fprintf(w, "META.%s\t%s\n", k, v)
	}
	w.Flush()
}

func printArtifactsTable(artifacts []sentinelctl.ArtifactJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE_ID\tFILENAME\tTIMESTAMP\tURL")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.DeviceID, a.Filename,
			a.Timestamp.Format("2006-01-02 15:04:05"), a.URL)
	}
	w.Flush()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sentinelctl - snapsentinel coordinator CLI

Usage:
  sentinelctl [global-flags] <command> [subcommand] [args]

Global Flags:
  -coordinator-url string
        Coordinator API URL (default "http://localhost:8080")
  -format string
        Output format: table or json (default "table")

Commands:
  devices list                     List all known devices
  devices get <id>                 Get device details
  capture <id>                     Trigger an immediate capture on a device
  interval <id> <seconds>          Change a device's capture interval
  artifacts [limit]                List recent artifacts (default 50)
  health                           Check coordinator health
`)
}
