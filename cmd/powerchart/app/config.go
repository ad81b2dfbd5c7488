package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatCSV  = "csv"
)

type OutputFormat string

type Config struct {
	DBPath     string
	SessionID  int64
	OutputFile string
	Format     OutputFormat

	// FontPath points at a TrueType font used for chart labels. Without it
	// the chart renders with tick marks only.
	FontPath string

	// Device restricts the export to one device role; empty exports both.
	Device string

	// MaxPoints caps the number of chart points per device; 0 keeps all.
	MaxPoints int

	NoAnnotations bool

	// TempInternalC and TempExternalC are the mean cell temperatures of the
	// test. When both are given the thermal coefficient is computed and
	// stored alongside the export.
	TempInternalC *float64
	TempExternalC *float64
}

var validOutputFormats = map[OutputFormat]struct{}{
	FormatPNG:  {},
	FormatJPEG: {},
	FormatCSV:  {},
}

func NewConfig() *Config {
	return &Config{
		Format: FormatPNG,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var outputFormat string
	var tempInternal, tempExternal float64
	flag.StringVar(&c.DBPath, "db", "", "Path to the database file")
	flag.Int64Var(&c.SessionID, "s", 1, "Session ID")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	flag.StringVar(&outputFormat, "f", string(FormatPNG), "Output format. [png, jpeg, csv]")
	flag.StringVar(&c.FontPath, "font", "", "Path to a TrueType font for chart labels")
	flag.StringVar(&c.Device, "device", "", "Restrict the export to one device role. [heater, fan]")
	flag.IntVar(&c.MaxPoints, "max-points", 0, "Maximum chart points per device, 0 keeps all")
	flag.BoolVar(&c.NoAnnotations, "no-annotations", false, "Disable scales and the info bar")
	flag.Float64Var(&tempInternal, "temp-int", 0, "Mean internal cell temperature in Celsius")
	flag.Float64Var(&tempExternal, "temp-ext", 0, "Mean external temperature in Celsius")
	flag.Parse()

	outputFormat = strings.ToLower(outputFormat)

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "temp-int" {
			c.TempInternalC = &tempInternal
		}
		if f.Name == "temp-ext" {
			c.TempExternalC = &tempExternal
		}
	})

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.SessionID <= 0 {
		err = errors.New("session id is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validOutputFormats[OutputFormat(outputFormat)]; !ok {
		err = fmt.Errorf("invalid output format: %s", outputFormat)
	} else if (c.TempInternalC == nil) != (c.TempExternalC == nil) {
		err = errors.New("temp-int and temp-ext must be given together")
	} else if c.TempInternalC != nil && c.Device != "" {
		err = errors.New("the thermal coefficient needs both devices, drop the device filter")
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = OutputFormat(outputFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
