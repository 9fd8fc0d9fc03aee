package maimai

import (
	"fmt"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// Comparison page layout:
//
//	.screw_block                 genre header, applies to the blocks after it
//	[class*="_score_back"]       one block per chart
//	  .music_lv_block            displayed level
//	  .music_name_block          title
//	  img.music_kind_icon        src contains music_dx for deluxe charts
//	  td.t_l                     the compared friend's cell: value text plus
//	                             music_icon_<flag>.png badges
//	  td.t_r                     the viewing bot's cell, ignored
const (
	selectorSections = `.screw_block, [class*="_score_back"]`
	iconPrefix       = "music_icon_"
)

var (
	fcFlags = map[string]bool{"fc": true, "fcp": true, "ap": true, "app": true}
	fsFlags = map[string]bool{"sync": true, "fs": true, "fsp": true, "fsd": true, "fsdp": true}
)

// ParseComparisonPage extracts the compared friend's played charts from one
// comparison page. Unplayed charts are skipped.
func ParseComparisonPage(page string, scoreType maisync.ScoreType, diff maisync.Difficulty) ([]maisync.ScoreRecord, error) {
	if !scoreType.Valid() {
		return nil, fmt.Errorf("unknown score type %d", int(scoreType))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse comparison page: %w", err)
	}

	var (
		records  []maisync.ScoreRecord
		category string
	)
	doc.Find(selectorSections).Each(func(_ int, s *goquery.Selection) {
		if s.HasClass("screw_block") {
			category = strings.TrimSpace(s.Text())
			return
		}
		rec, ok := parseBlock(s, scoreType, diff)
		if !ok {
			return
		}
		rec.Category = category
		records = append(records, rec)
	})
	return records, nil
}

func parseBlock(s *goquery.Selection, scoreType maisync.ScoreType, diff maisync.Difficulty) (maisync.ScoreRecord, bool) {
	title := strings.TrimSpace(s.Find(".music_name_block").First().Text())
	if title == "" {
		return maisync.ScoreRecord{}, false
	}
	rec := maisync.ScoreRecord{
		Title:      title,
		Kind:       chartKind(s),
		Difficulty: diff,
		Level:      strings.TrimSpace(s.Find(".music_lv_block").First().Text()),
	}

	cell := s.Find("td.t_l").First()
	text := strings.TrimSpace(cell.Text())
	switch scoreType {
	case maisync.ScoreTypeAchievement:
		v, ok := NormalizeAchievement(text)
		if !ok {
			return maisync.ScoreRecord{}, false
		}
		rec.Achievement = v
	case maisync.ScoreTypeDXScore:
		score, total, ok := ParseDXScore(text)
		if !ok {
			return maisync.ScoreRecord{}, false
		}
		rec.DXScore, rec.DXScoreMax = score, total
	}

	cell.Find("img").Each(func(_ int, img *goquery.Selection) {
		flag := iconFlag(img.AttrOr("src", ""))
		switch {
		case fcFlags[flag]:
			rec.FC = flag
		case fsFlags[flag]:
			rec.FS = flag
		}
	})
	return rec, true
}

func chartKind(s *goquery.Selection) maisync.ChartKind {
	src := s.Find("img.music_kind_icon").First().AttrOr("src", "")
	if strings.Contains(src, "music_dx") {
		return maisync.ChartKindDeluxe
	}
	return maisync.ChartKindStandard
}

func iconFlag(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	base := path.Base(src)
	if !strings.HasPrefix(base, iconPrefix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(base, iconPrefix), path.Ext(base))
}

// MergeRecords joins records parsed from achievement and DX score pages into
// one record per chart. Badges from either page are kept.
func MergeRecords(pages ...[]maisync.ScoreRecord) []maisync.ScoreRecord {
	index := make(map[string]int)
	var out []maisync.ScoreRecord
	for _, page := range pages {
		for _, rec := range page {
			i, ok := index[rec.Key()]
			if !ok {
				index[rec.Key()] = len(out)
				out = append(out, rec)
				continue
			}
			out[i] = mergeRecord(out[i], rec)
		}
	}
	return out
}

func mergeRecord(a, b maisync.ScoreRecord) maisync.ScoreRecord {
	if a.Achievement == 0 {
		a.Achievement = b.Achievement
	}
	if a.DXScore == 0 {
		a.DXScore, a.DXScoreMax = b.DXScore, b.DXScoreMax
	}
	if a.Category == "" {
		a.Category = b.Category
	}
	if a.Level == "" {
		a.Level = b.Level
	}
	if a.FC == "" {
		a.FC = b.FC
	}
	if a.FS == "" {
		a.FS = b.FS
	}
	return a
}

// ParsePages parses every page of a finished grid, keyed by cell index, and
// merges the result.
func ParsePages(pages map[int]string) ([]maisync.ScoreRecord, error) {
	parsed := make([][]maisync.ScoreRecord, 0, len(pages))
	for _, cell := range maisync.Grid() {
		page, ok := pages[cell.Index()]
		if !ok {
			continue
		}
		recs, err := ParseComparisonPage(page, cell.ScoreType, cell.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", cell.Index(), err)
		}
		parsed = append(parsed, recs)
	}
	return MergeRecords(parsed...), nil
}
