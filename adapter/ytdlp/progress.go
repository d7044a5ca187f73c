package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/clipfetch/clipfetch"
)

// With --newline --progress, yt-dlp emits lines like:
//
//	[download]  42.3% of  109.95MiB at    5.25MiB/s ETA 00:12
//	[download]  42.3% of ~109.95MiB at Unknown B/s ETA Unknown
//	[download] 100% of 109.95MiB in 00:21
var progressRe = regexp.MustCompile(
	`^\[download\]\s+([\d.]+)%` +
		`(?:\s+of\s+~?\s*([\d.]+)([KMGT]?i?B))?` +
		`(?:\s+at\s+([\d.]+)([KMGT]?i?B)/s)?` +
		`(?:\s+ETA\s+([\d:]+))?`)

var destinationRe = regexp.MustCompile(`^\[(?:download|Merger|MoveFiles|ExtractAudio)\]\s+(?:Destination|Merging formats into|Moving file)[:\s]+"?(.+?)"?$`)

func parseProgressLine(line string) (clipfetch.Progress, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return clipfetch.Progress{}, false
	}
	var p clipfetch.Progress
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return clipfetch.Progress{}, false
	}
	p.Fraction = pct / 100
	if m[2] != "" {
		p.TotalBytes = parseSize(m[2], m[3])
		p.Bytes = int64(p.Fraction * float64(p.TotalBytes))
	}
	if m[4] != "" {
		p.Speed = parseSize(m[4], m[5])
	}
	if m[6] != "" {
		p.ETA = parseClock(m[6])
	}
	return p, true
}

// parseDestination extracts the output path from yt-dlp status lines. The
// last destination observed wins, so a merged download reports the merge
// target rather than an intermediate stream.
func parseDestination(line string) string {
	if m := destinationRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

var sizeUnits = map[string]float64{
	"B":   1,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
}

func parseSize(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		mult = 1
	}
	return int64(v * mult)
}

// parseClock parses "SS", "MM:SS" or "HH:MM:SS".
func parseClock(s string) time.Duration {
	parts := strings.Split(s, ":")
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
