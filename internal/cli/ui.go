package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/matzehuels/imgtier/pkg/controller"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorCyan   = lipgloss.Color("36")  // Teal - primary actions
	colorGreen  = lipgloss.Color("35")  // Green - success
	colorYellow = lipgloss.Color("220") // Amber - warnings
	colorRed    = lipgloss.Color("167") // Soft red - errors
	colorBlue   = lipgloss.Color("75")  // Light blue - links
	colorWhite  = lipgloss.Color("255") // Bright white - values
	colorGray   = lipgloss.Color("245") // Gray - secondary text
	colorDim    = lipgloss.Color("240") // Dim gray - muted text
)

// =============================================================================
// Public Styles
// =============================================================================

var (
	// StyleTitle for main headings.
	StyleTitle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)

	// StyleHighlight for emphasized values.
	StyleHighlight = lipgloss.NewStyle().Foreground(colorCyan)

	// StyleDim for secondary/muted text.
	StyleDim = lipgloss.NewStyle().Foreground(colorDim)

	// StyleValue for data values.
	StyleValue = lipgloss.NewStyle().Foreground(colorWhite)

	// StyleSuccess for success messages.
	StyleSuccess = lipgloss.NewStyle().Foreground(colorGreen)

	// StyleWarning for warning messages.
	StyleWarning = lipgloss.NewStyle().Foreground(colorYellow)

	// StyleError for failure messages.
	StyleError = lipgloss.NewStyle().Foreground(colorRed)
)

// =============================================================================
// Internal Styles
// =============================================================================

var (
	styleIconSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleIconError   = lipgloss.NewStyle().Foreground(colorRed)
	styleIconWarning = lipgloss.NewStyle().Foreground(colorYellow)
	styleIconInfo    = lipgloss.NewStyle().Foreground(colorGray)
	styleIconSpinner = lipgloss.NewStyle().Foreground(colorCyan)

	styleCommand = lipgloss.NewStyle().Foreground(colorBlue)
	styleHeader  = lipgloss.NewStyle().Foreground(colorGray).Bold(true)
)

// =============================================================================
// Icons
// =============================================================================

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "!"
	iconInfo    = "›"
	iconArrow   = "→"
	iconPending = "·"
	iconActive  = "▸"
)

// =============================================================================
// Status Output
// =============================================================================

// out serializes lines written by concurrent loads.
var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

func writeLine(line string) {
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, line)
}

// printSuccess prints a success message.
func printSuccess(format string, args ...any) {
	writeLine(styleIconSuccess.Render(iconSuccess) + " " + fmt.Sprintf(format, args...))
}

// printError prints an error message.
func printError(format string, args ...any) {
	writeLine(styleIconError.Render(iconError) + " " + fmt.Sprintf(format, args...))
}

// printWarning prints a warning message.
func printWarning(format string, args ...any) {
	writeLine(styleIconWarning.Render(iconWarning) + " " + StyleWarning.Render(fmt.Sprintf(format, args...)))
}

// printInfo prints an info/status message.
func printInfo(format string, args ...any) {
	writeLine(styleIconInfo.Render(iconInfo) + " " + fmt.Sprintf(format, args...))
}

// printDetail prints a detail line (indented).
func printDetail(format string, args ...any) {
	writeLine("  " + StyleDim.Render(fmt.Sprintf(format, args...)))
}

// printFile prints a file output line.
func printFile(path string) {
	writeLine("  " + StyleDim.Render(iconArrow) + " " + StyleValue.Render(path))
}

// printKeyValue prints a labeled value.
func printKeyValue(key, value string) {
	keyStyle := lipgloss.NewStyle().Foreground(colorGray).Width(12)
	writeLine(keyStyle.Render(key) + " " + StyleValue.Render(value))
}

// printNextStep prints a suggested next command.
func printNextStep(description, cmd string) {
	writeLine(StyleDim.Render(description+":") + " " + styleCommand.Render(cmd))
}

// =============================================================================
// Load Output
// =============================================================================

// printStage prints one stage transition of a load.
func printStage(label string, stage variant.Stage, url string) {
	line := styleIconSuccess.Render(iconSuccess) + " " +
		StyleValue.Render(label) + " " +
		StyleHighlight.Render(fmt.Sprintf("%-11s", stage)) + " " +
		StyleDim.Render(url)
	writeLine(line)
}

// printOutcome prints the settled state of a load.
func printOutcome(label string, st controller.State) {
	switch st.Status {
	case sequencer.StatusComplete:
		printSuccess("%s complete %s", StyleValue.Render(label), StyleDim.Render("("+st.Profile.String()+")"))
	case sequencer.StatusCancelled:
		printWarning("%s cancelled at %s", label, st.Stage)
	default:
		msg := "failed"
		if st.Err != nil {
			msg = st.Err.Message
		}
		printError("%s %s %s", StyleValue.Render(label), StyleError.Render(msg), StyleDim.Render("(showing "+st.Stage.String()+")"))
	}
}

// =============================================================================
// Tables
// =============================================================================

// variantTable renders resolved variants as a bordered table.
func variantTable(vs []variant.Variant) string {
	rows := make([][]string, 0, len(vs))
	for _, v := range vs {
		p := v.Params
		rows = append(rows, []string{
			v.Stage.String(),
			intCell(p.Width),
			intCell(p.Quality),
			intCell(p.Blur),
			orDash(p.Format),
			v.URL,
		})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Headers("Stage", "Width", "Quality", "Blur", "Format", "URL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return styleHeader
			}
			base := lipgloss.NewStyle().Padding(0, 1)
			switch col {
			case 0:
				return base.Foreground(colorCyan)
			case 5:
				return base.Foreground(colorDim)
			}
			return base.Foreground(colorWhite)
		}).
		Render()
}

func intCell(n int) string {
	if n == 0 {
		return "—"
	}
	return strconv.Itoa(n)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
