package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"googlemaps.github.io/maps"
)

// ubusAccessPoint is one entry of `ubus call iwinfo scan`
type ubusAccessPoint struct {
	SSID    string `json:"ssid"`
	BSSID   string `json:"bssid"`
	Channel int    `json:"channel"`
	Signal  int    `json:"signal"` // dBm
}

type ubusScanResult struct {
	Results []ubusAccessPoint `json:"results"`
}

// maxScanAccessPoints caps the request size; the strongest APs are kept
const maxScanAccessPoints = 20

// commandRunner runs an external command and returns its stdout
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NewUbusWiFiScanner scans with the OpenWrt iwinfo ubus object
func NewUbusWiFiScanner(device string) WiFiScanner {
	return newUbusWiFiScanner(device, execRunner)
}

func newUbusWiFiScanner(device string, run commandRunner) WiFiScanner {
	return func(ctx context.Context) ([]maps.WiFiAccessPoint, error) {
		out, err := run(ctx, "ubus", "-S", "-t", "30", "call", "iwinfo", "scan",
			fmt.Sprintf(`{"device":%q}`, device))
		if err != nil {
			return nil, fmt.Errorf("ubus scan on %s failed: %w", device, err)
		}
		return parseUbusScan(out)
	}
}

func parseUbusScan(out []byte) ([]maps.WiFiAccessPoint, error) {
	var result ubusScanResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse scan results: %w", err)
	}

	seen := make(map[string]bool)
	aps := make([]maps.WiFiAccessPoint, 0, len(result.Results))
	for _, ap := range result.Results {
		mac := strings.ToLower(ap.BSSID)
		// hidden and locally administered networks are not in Google's database
		if mac == "" || seen[mac] || strings.HasSuffix(ap.SSID, "_nomap") || locallyAdministered(mac) {
			continue
		}
		seen[mac] = true
		aps = append(aps, maps.WiFiAccessPoint{
			MACAddress:     mac,
			SignalStrength: float64(ap.Signal),
			Channel:        ap.Channel,
		})
	}

	sort.SliceStable(aps, func(i, j int) bool { return aps[i].SignalStrength > aps[j].SignalStrength })
	if len(aps) > maxScanAccessPoints {
		aps = aps[:maxScanAccessPoints]
	}
	return aps, nil
}

func locallyAdministered(mac string) bool {
	var first uint8
	if _, err := fmt.Sscanf(mac, "%02x", &first); err != nil {
		return true
	}
	return first&0x02 != 0
}
