package maimai

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// MaxAchievement caps the achievement used for rating.
const MaxAchievement = 100.5

// AchievementCeiling is the highest achievement a chart can record.
const AchievementCeiling = 101.0

// BestCount is how many charts make up the total rating.
const BestCount = 50

var rankFactors = []struct {
	min    float64
	factor float64
}{
	{100.5, 22.4},
	{100, 21.6},
	{99.5, 21.1},
	{99, 20.8},
	{98, 20.3},
	{97, 20.0},
	{94, 16.8},
	{90, 15.2},
	{80, 13.6},
	{75, 12.0},
	{70, 11.2},
	{60, 9.6},
	{50, 8.0},
	{40, 6.4},
	{30, 4.8},
	{20, 3.2},
	{10, 1.6},
}

// ChartRating returns the single-chart rating for a chart constant and an
// achievement percentage.
func ChartRating(constant, achievement float64) int {
	if constant <= 0 || achievement <= 0 {
		return 0
	}
	ach := math.Min(achievement, MaxAchievement)
	factor := 0.0
	for _, r := range rankFactors {
		if ach >= r.min {
			factor = r.factor
			break
		}
	}
	// the epsilon absorbs float noise on exact boundaries
	return int(math.Floor(constant*ach*factor/100 + 1e-9))
}

// LevelConstant approximates a chart constant from its displayed level:
// "13" is 13.0 and "13+" is 13.7.
func LevelConstant(level string) (float64, bool) {
	level = strings.TrimSpace(level)
	plus := strings.HasSuffix(level, "+")
	n, err := strconv.Atoi(strings.TrimSuffix(level, "+"))
	if err != nil || n <= 0 {
		return 0, false
	}
	c := float64(n)
	if plus {
		c += 0.7
	}
	return c, true
}

// NormalizeAchievement parses "100.5000%" style text. Empty text and the
// unplayed dash are reported as not played. Values are clamped to
// [0, AchievementCeiling].
func NormalizeAchievement(text string) (float64, bool) {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "%"))
	if unplayed(text) {
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return math.Max(0, math.Min(v, AchievementCeiling)), true
}

// ParseDXScore parses "1,234 / 1,500" style text.
func ParseDXScore(text string) (score, total int, ok bool) {
	text = strings.TrimSpace(text)
	if unplayed(text) {
		return 0, 0, false
	}
	parts := strings.SplitN(text, "/", 2)
	score, err := atoiGrouped(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) == 2 {
		if total, err = atoiGrouped(parts[1]); err != nil {
			return 0, 0, false
		}
	}
	return score, total, true
}

// RateRecords fills in Rating for every record whose level is parseable.
func RateRecords(records []maisync.ScoreRecord) {
	for i := range records {
		c, ok := LevelConstant(records[i].Level)
		if !ok {
			records[i].Rating = 0
			continue
		}
		records[i].Rating = ChartRating(c, records[i].Achievement)
	}
}

// SortRecords orders records by rating, then title, kind and difficulty.
func SortRecords(records []maisync.ScoreRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Difficulty < b.Difficulty
	})
}

// TotalRating sums the best BestCount chart ratings.
func TotalRating(records []maisync.ScoreRecord) int {
	ratings := make([]int, 0, len(records))
	for _, r := range records {
		ratings = append(ratings, r.Rating)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ratings)))
	total := 0
	for i, r := range ratings {
		if i == BestCount {
			break
		}
		total += r
	}
	return total
}

// BuildResult rates, orders and totals merged records for friendCode.
func BuildResult(friendCode string, records []maisync.ScoreRecord) maisync.JobResult {
	out := append([]maisync.ScoreRecord(nil), records...)
	RateRecords(out)
	SortRecords(out)
	return maisync.JobResult{
		FriendCode: friendCode,
		Records:    out,
		Rating:     TotalRating(out),
	}
}

func unplayed(text string) bool {
	return text == "" || text == "―" || text == "-" || text == "—"
}

func atoiGrouped(s string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
}
