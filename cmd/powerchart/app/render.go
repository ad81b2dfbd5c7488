package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/dbarasti/PowerMeter/internal/meter"
)

const (
	dpi            = 120.0
	fontSize       = 12.0
	tickMarkLength = 5
	pixelsPerLabel = 150.0

	defaultChartWidth  = 1200
	defaultChartHeight = 600

	// Default border sizes in pixels
	defaultTopBorder    = 40
	defaultLeftBorder   = 80
	defaultBottomBorder = 60
	defaultRightBorder  = 40

	defaultTimeFormat     = "15:04"
	defaultDatetimeFormat = time.DateTime
)

var roleColors = map[meter.Role]color.RGBA{
	meter.RoleHeater: {R: 0xd6, G: 0x2d, B: 0x20, A: 0xff},
	meter.RoleFan:    {R: 0x20, G: 0x5a, B: 0xd6, A: 0xff},
}

// energyColors trace the cumulative energy lines, lighter than the power
// trace of the same device.
var energyColors = map[meter.Role]color.RGBA{
	meter.RoleHeater: {R: 0xe8, G: 0x9c, B: 0x30, A: 0xff},
	meter.RoleFan:    {R: 0x30, G: 0xb0, B: 0x96, A: 0xff},
}

// BorderConfig defines the sizes of white space around the plot area
type BorderConfig struct {
	Top    int // Padding above the plot
	Left   int // Space for power scale
	Bottom int // Space for time scale and information bar
	Right  int // Right padding
}

// RenderConfig holds all configuration options for chart rendering
type RenderConfig struct {
	// Time display configuration
	TimeFormat     string         // Format string for time display (e.g. "15:04")
	DatetimeFormat string         // Format string for date/time display
	Location       *time.Location // Timezone for time display

	// Visual configuration
	Width    int
	Height   int
	FontSize float64

	// FontPath points at a TrueType file; empty renders tick marks only
	FontPath      string
	NoAnnotations bool

	// Border configuration
	BorderConfig BorderConfig
}

// ChartRenderer draws per-device power traces over the session timeline
type ChartRenderer struct {
	config RenderConfig
}

// NewChartRenderer creates a new chart renderer with the given configuration
func NewChartRenderer(config RenderConfig) (*ChartRenderer, error) {
	// Set defaults for zero values
	if config.TimeFormat == "" {
		config.TimeFormat = defaultTimeFormat
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Width == 0 {
		config.Width = defaultChartWidth
	}
	if config.Height == 0 {
		config.Height = defaultChartHeight
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	return &ChartRenderer{config: config}, nil
}

// Render creates an image of the session's power traces with annotations
func (r *ChartRenderer) Render(data *ChartData) (*image.RGBA, error) {
	fullWidth := r.config.Width + r.config.BorderConfig.Left + r.config.BorderConfig.Right
	fullHeight := r.config.Height + r.config.BorderConfig.Top + r.config.BorderConfig.Bottom
	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))

	// Fill with white background
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	plotArea := image.Rect(
		r.config.BorderConfig.Left,
		r.config.BorderConfig.Top,
		r.config.BorderConfig.Left+r.config.Width,
		r.config.BorderConfig.Top+r.config.Height,
	)

	if !r.config.NoAnnotations {
		ann, err := newAnnotator(annotatorConfig{
			TimeFormat:     r.config.TimeFormat,
			DatetimeFormat: r.config.DatetimeFormat,
			Location:       r.config.Location,
			FontSize:       r.config.FontSize,
			FontPath:       r.config.FontPath,
			Borders:        r.config.BorderConfig,
			PlotArea:       plotArea,
		})
		if err != nil {
			return nil, fmt.Errorf("creating annotator: %w", err)
		}
		defer ann.Close()

		if err = ann.annotate(img, data); err != nil {
			return nil, fmt.Errorf("drawing annotations: %w", err)
		}
	}

	r.drawFrame(img, plotArea)

	var maxEnergy float64
	for _, series := range data.Series {
		if n := len(series.Energy); n > 0 && series.Energy[n-1] > maxEnergy {
			maxEnergy = series.Energy[n-1]
		}
	}
	for _, series := range data.Series {
		r.drawEnergy(img, plotArea, data, series, maxEnergy)
	}
	for _, series := range data.Series {
		r.drawSeries(img, plotArea, data, series)
	}

	return img, nil
}

func (r *ChartRenderer) drawFrame(img *image.RGBA, area image.Rectangle) {
	for x := area.Min.X; x <= area.Max.X; x++ {
		img.Set(x, area.Max.Y, color.Black)
	}
	for y := area.Min.Y; y <= area.Max.Y; y++ {
		img.Set(area.Min.X, y, color.Black)
	}
}

// drawSeries plots one device's power trace as a connected polyline.
func (r *ChartRenderer) drawSeries(img *image.RGBA, area image.Rectangle, data *ChartData, series Series) {
	lineColor, ok := roleColors[series.Role]
	if !ok {
		lineColor = color.RGBA{A: 0xff}
	}

	var prevX, prevY int
	for i, sample := range series.Samples {
		x := timeToX(area, data, sample.Timestamp)
		y := powerToY(area, data, sample.PowerW)

		if i > 0 {
			drawLine(img, prevX, prevY, x, y, lineColor)
		}
		prevX, prevY = x, y
	}
}

// drawEnergy plots the cumulative energy line, scaled to the session's
// total so the trace always spans the full plot height.
func (r *ChartRenderer) drawEnergy(img *image.RGBA, area image.Rectangle, data *ChartData, series Series, maxEnergy float64) {
	if maxEnergy <= 0 {
		return
	}
	lineColor, ok := energyColors[series.Role]
	if !ok {
		lineColor = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	}

	var prevX, prevY int
	for i, sample := range series.Samples {
		x := timeToX(area, data, sample.Timestamp)
		y := area.Max.Y - int(series.Energy[i]/maxEnergy*float64(area.Dy()))

		if i > 0 {
			drawLine(img, prevX, prevY, x, y, lineColor)
		}
		prevX, prevY = x, y
	}
}

func timeToX(area image.Rectangle, data *ChartData, t time.Time) int {
	span := data.TimeEnd.Sub(data.TimeStart)
	if span <= 0 {
		return area.Min.X
	}
	ratio := float64(t.Sub(data.TimeStart)) / float64(span)
	return area.Min.X + int(ratio*float64(area.Dx()))
}

func powerToY(area image.Rectangle, data *ChartData, powerW float64) int {
	if data.MaxPowerW <= 0 {
		return area.Max.Y
	}
	ratio := powerW / data.MaxPowerW
	return area.Max.Y - int(ratio*float64(area.Dy()))
}

// drawLine rasterizes a segment with the integer Bresenham walk.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Internal annotator implementation
type annotatorConfig struct {
	TimeFormat     string
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
	FontPath       string
	Borders        BorderConfig
	PlotArea       image.Rectangle
}

type annotator struct {
	context  *freetype.Context
	config   annotatorConfig
	fontFace font.Face
}

func newAnnotator(config annotatorConfig) (*annotator, error) {
	a := annotator{config: config}
	if config.FontPath == "" {
		return &a, nil
	}

	fontBytes, err := os.ReadFile(config.FontPath)
	if err != nil {
		return nil, fmt.Errorf("reading font file: %w", err)
	}
	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	a.context = ctx
	a.fontFace = truetype.NewFace(parsedFont, &truetype.Options{
		Size:    config.FontSize,
		DPI:     dpi,
		Hinting: font.HintingNone,
	})
	return &a, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, data *ChartData) error {
	if a.context != nil {
		a.context.SetClip(img.Bounds())
		a.context.SetDst(img)
	}

	if err := a.drawPowerScale(img, data); err != nil {
		return fmt.Errorf("drawing power scale: %w", err)
	}
	if err := a.drawTimeScale(img, data); err != nil {
		return fmt.Errorf("drawing time scale: %w", err)
	}
	if err := a.drawInfoBar(img, data); err != nil {
		return fmt.Errorf("drawing info bar: %w", err)
	}

	return nil
}

func (a *annotator) drawPowerScale(img *image.RGBA, data *ChartData) error {
	area := a.config.PlotArea
	step := calculateNicePowerStep(data.MaxPowerW, area.Dy())
	if step <= 0 {
		return nil
	}

	for watts := 0.0; watts <= data.MaxPowerW; watts += step {
		y := powerToY(area, data, watts)

		// Draw tick mark
		for x := area.Min.X - tickMarkLength; x < area.Min.X; x++ {
			img.Set(x, y, color.Black)
		}

		if a.fontFace == nil {
			continue
		}

		metrics := a.fontFace.Metrics()
		fontHeight := (metrics.Ascent + metrics.Descent).Round()
		textY := y + fontHeight/2 - metrics.Descent.Round()

		label := formatWatts(watts)
		width := font.MeasureString(a.fontFace, label)
		pt := freetype.Pt(area.Min.X-tickMarkLength-3-width.Round(), textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing power label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawTimeScale(img *image.RGBA, data *ChartData) error {
	area := a.config.PlotArea
	duration := data.TimeEnd.Sub(data.TimeStart)
	if duration <= 0 {
		return nil
	}
	timeStep := calculateNiceTimeStep(duration)

	for t := data.TimeStart; !t.After(data.TimeEnd); t = t.Add(timeStep) {
		x := timeToX(area, data, t)

		// Draw tick mark
		for y := area.Max.Y; y < area.Max.Y+tickMarkLength; y++ {
			img.Set(x, y, color.Black)
		}

		if a.fontFace == nil {
			continue
		}

		metrics := a.fontFace.Metrics()
		fontHeight := (metrics.Ascent + metrics.Descent).Round()
		textY := area.Max.Y + tickMarkLength + fontHeight

		label := t.In(a.config.Location).Format(a.config.TimeFormat)
		width := font.MeasureString(a.fontFace, label)
		pt := freetype.Pt(x-(width.Round()/2), textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, data *ChartData) error {
	if a.fontFace == nil {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Truck: %s", data.Session.TruckID))
	sb.WriteString("; ")
	sb.WriteString(fmt.Sprintf("Time: %s - %s",
		data.TimeStart.In(a.config.Location).Format(a.config.DatetimeFormat),
		data.TimeEnd.In(a.config.Location).Format(a.config.DatetimeFormat)))

	for _, series := range data.Series {
		sb.WriteString("; ")
		sb.WriteString(fmt.Sprintf("%s: %skWh",
			series.Role, humanize.CommafWithDigits(series.Summary.TotalEnergyKWH, 3)))
	}

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()

	// Center text vertically in the space below the time scale
	textY := img.Bounds().Max.Y - (a.config.Borders.Bottom/2-fontHeight)/2 - metrics.Descent.Round()

	pt := freetype.Pt(a.config.Borders.Left, textY)
	if _, err := a.context.DrawString(sb.String(), pt); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}

	return nil
}

// Helper functions

func calculateNicePowerStep(maxPowerW float64, height int) float64 {
	// Standard step sizes in watts
	steps := []float64{
		1,       // 1 W
		5,       // 5 W
		10,      // 10 W
		50,      // 50 W
		100,     // 100 W
		500,     // 500 W
		1_000,   // 1 kW
		5_000,   // 5 kW
		10_000,  // 10 kW
		50_000,  // 50 kW
		100_000, // 100 kW
	}

	desiredSteps := float64(height) / pixelsPerLabel
	if desiredSteps < 2 {
		desiredSteps = 2
	}
	targetStep := maxPowerW / desiredSteps

	for _, step := range steps {
		if step >= targetStep {
			if maxPowerW/step >= 2 {
				return step
			}
			break
		}
	}

	return maxPowerW / 2
}

func formatWatts(watts float64) string {
	switch {
	case watts >= 1e6:
		return fmt.Sprintf("%.1f MW", watts/1e6)
	case watts >= 1e3:
		return fmt.Sprintf("%.1f kW", watts/1e3)
	default:
		return fmt.Sprintf("%.0f W", watts)
	}
}

func calculateNiceTimeStep(duration time.Duration) time.Duration {
	seconds := duration.Seconds()
	roughStep := seconds / 8 // Aim for about 8 time labels

	// Nice time intervals in seconds
	niceIntervals := []float64{
		60,    // 1 minute
		300,   // 5 minutes
		600,   // 10 minutes
		900,   // 15 minutes
		1800,  // 30 minutes
		3600,  // 1 hour
		7200,  // 2 hours
		14400, // 4 hours
	}

	for _, interval := range niceIntervals {
		if roughStep <= interval {
			return time.Duration(interval) * time.Second
		}
	}

	return time.Hour * 6 // Default for very long durations
}
