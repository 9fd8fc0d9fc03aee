package maimai

import (
	"fmt"
	"strings"
)

type fixtureChart struct {
	genre  string
	title  string
	level  string
	dx     bool
	value  string
	badges []string
}

// comparisonPage renders charts in the platform's comparison page layout.
func comparisonPage(charts ...fixtureChart) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"main_wrapper\">")
	genre := ""
	for _, c := range charts {
		if c.genre != genre {
			genre = c.genre
			fmt.Fprintf(&b, `<div class="screw_block m_15 f_15">%s</div>`, genre)
		}
		kind := "music_standard.png"
		if c.dx {
			kind = "music_dx.png"
		}
		b.WriteString(`<div class="music_master_score_back w_450 m_15 p_3 f_0">`)
		fmt.Fprintf(&b, `<div class="music_lv_block f_r t_c f_14">%s</div>`, c.level)
		fmt.Fprintf(&b, `<div class="music_name_block t_l f_13 break">%s</div>`, c.title)
		fmt.Fprintf(&b, `<img src="https://maimai.wahlap.com/maimai-mobile/img/%s" class="music_kind_icon">`, kind)
		b.WriteString(`<table><tr><td class="p_r t_l f_0">`)
		for _, badge := range c.badges {
			fmt.Fprintf(&b, `<img src="https://maimai.wahlap.com/maimai-mobile/img/music_icon_%s.png?ver=1.35">`, badge)
		}
		b.WriteString(c.value)
		b.WriteString(`</td><td class="p_r t_r f_0">99.0000%</td></tr></table></div>`)
	}
	b.WriteString("</div></body></html>")
	return b.String()
}
