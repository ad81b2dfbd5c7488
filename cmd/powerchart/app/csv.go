package app

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

var csvHeader = []string{
	"timestamp", "device_role", "power_w", "energy_kwh", "voltage_v", "frequency_hz",
}

// writeCSV exports every series row by row, devices interleaved in
// timestamp order within each series block.
func writeCSV(path string, data *ChartData) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer closeWithError(out, &err)

	w := csv.NewWriter(out)
	if err = w.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	for _, series := range data.Series {
		for _, sample := range series.Samples {
			record := []string{
				sample.Timestamp.UTC().Format(time.RFC3339Nano),
				string(sample.Role),
				strconv.FormatFloat(sample.PowerW, 'f', -1, 64),
				strconv.FormatFloat(sample.EnergyKWH, 'f', -1, 64),
				optionalFloat(sample.VoltageV),
				optionalFloat(sample.FrequencyHz),
			}
			if err = w.Write(record); err != nil {
				return fmt.Errorf("writing csv record: %w", err)
			}
		}
	}

	w.Flush()
	return w.Error()
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cerr := cl.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
