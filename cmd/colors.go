package cmd

import (
	"github.com/fatih/color"

	"github.com/khanhnv2901/securiscan/internal/checker"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorMuted   = color.New(color.Faint).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
)

func formatSeverityWithColor(sev checker.Severity) string {
	label := sev.String()
	switch sev {
	case checker.SeverityPass:
		return colorSuccess(label)
	case checker.SeverityInfo:
		return colorInfo(label)
	case checker.SeverityWarning:
		return colorWarn(label)
	case checker.SeverityCritical:
		return colorError(label)
	default:
		return label
	}
}

func formatGradeWithColor(grade string) string {
	switch grade {
	case "A", "B":
		return colorSuccess(grade)
	case "C", "D":
		return colorWarn(grade)
	default:
		return colorError(grade)
	}
}
