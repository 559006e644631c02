// Package alert decides which notifications a completed scan produces and
// delivers them in the background.
package alert

import (
	"fmt"

	"github.com/khanhnv2901/securiscan/internal/shared/constants"
)

// Input describes a completed scan.
type Input struct {
	ScanID        string
	SiteID        string
	Score         int
	CriticalCount int
	// PreviousScore is the site's last completed score before this scan,
	// nil when this is the first.
	PreviousScore *int
}

// Decision is the outcome of Evaluate.
type Decision struct {
	ScanComplete  bool
	CriticalAlert bool
	Reasons       []string
}

// ScoreDrop returns how many points the score fell since the previous scan,
// or 0 if it did not fall.
func (in Input) ScoreDrop() int {
	if in.PreviousScore == nil || *in.PreviousScore <= in.Score {
		return 0
	}
	return *in.PreviousScore - in.Score
}

// Evaluate applies the alerting rules. A scan-complete notice is always due;
// a critical alert is due on a low score, critical findings or a score drop.
func Evaluate(in Input) Decision {
	d := Decision{ScanComplete: true}

	if in.Score < constants.CriticalScoreThreshold {
		d.Reasons = append(d.Reasons, fmt.Sprintf("score %d is below %d", in.Score, constants.CriticalScoreThreshold))
	}
	if in.CriticalCount > 0 {
		d.Reasons = append(d.Reasons, fmt.Sprintf("%d critical finding(s)", in.CriticalCount))
	}
	if drop := in.ScoreDrop(); drop >= constants.ScoreDropThreshold {
		d.Reasons = append(d.Reasons, fmt.Sprintf("score dropped by %d points", drop))
	}

	d.CriticalAlert = len(d.Reasons) > 0
	return d
}
