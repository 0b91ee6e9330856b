package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
)

// writeJSON pretty-prints v
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writePositions renders positions in the selected format
func writePositions(w io.Writer, format string, positions []pkg.Position, distances []float64) error {
	switch format {
	case "json":
		return writeJSON(w, positions)
	case "csv":
		return writePositionsCSV(w, positions, distances)
	case "minimal":
		for _, p := range positions {
			fmt.Fprintf(w, "%.6f,%.6f\n", p.Latitude, p.Longitude)
		}
		return nil
	}

	for i, p := range positions {
		if i > 0 {
			fmt.Fprintln(w)
		}
		writePositionText(w, &p)
		if distances != nil {
			fmt.Fprintf(w, "  Distance: %.0f m\n", distances[i])
		}
	}
	return nil
}

func writePositionText(w io.Writer, p *pkg.Position) {
	fmt.Fprintf(w, "  Location: %.6f, %.6f\n", p.Latitude, p.Longitude)
	if p.Accuracy != nil {
		fmt.Fprintf(w, "  Accuracy: %.1f m\n", *p.Accuracy)
	}
	if p.Address.FormattedAddress != "" {
		fmt.Fprintf(w, "  Address: %s\n", p.Address.FormattedAddress)
	} else if p.Address.City != "" {
		fmt.Fprintf(w, "  City: %s\n", p.Address.City)
	}
	if p.Source != "" {
		fmt.Fprintf(w, "  Source: %s\n", p.Source)
	}
	if p.Placeholder {
		fmt.Fprintln(w, "  Placeholder: true")
	}
	fmt.Fprintf(w, "  Timestamp: %s\n", p.Time().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Map: %s\n", mapsURL(p))
}

func writePositionsCSV(w io.Writer, positions []pkg.Position, distances []float64) error {
	cw := csv.NewWriter(w)
	header := []string{"latitude", "longitude", "accuracy", "source", "city", "timestamp"}
	if distances != nil {
		header = append(header, "distance")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, p := range positions {
		acc := ""
		if p.Accuracy != nil {
			acc = strconv.FormatFloat(*p.Accuracy, 'f', 1, 64)
		}
		row := []string{
			strconv.FormatFloat(p.Latitude, 'f', 6, 64),
			strconv.FormatFloat(p.Longitude, 'f', 6, 64),
			acc,
			p.Source,
			p.Address.City,
			p.Time().UTC().Format(time.RFC3339),
		}
		if distances != nil {
			row = append(row, strconv.FormatFloat(distances[i], 'f', 0, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// mapsURL links to the position with a zoom matching its accuracy
func mapsURL(p *pkg.Position) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f&z=%d", p.Latitude, p.Longitude, zoomFor(p.AccuracyOr(0)))
}

func zoomFor(accuracy float64) int {
	switch {
	case accuracy <= 0, accuracy <= 20:
		return 18
	case accuracy <= 100:
		return 16
	case accuracy <= 1000:
		return 14
	case accuracy <= 10000:
		return 11
	}
	return 8
}
