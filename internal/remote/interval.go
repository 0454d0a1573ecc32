package remote

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/livinlefevreloca/trailsync/internal/db"
)

var intervalPayload = regexp.MustCompile(`jQuery\('#interval-rides'\)\.html\(((?s).*)\)`)

var iconCategories = map[string]db.Category{
	"icon-run":             db.CategoryRun,
	"icon-hike":            db.CategoryRun,
	"icon-walk":            db.CategoryRun,
	"icon-ride":            db.CategoryRide,
	"icon-virtualride":     db.CategoryRide,
	"icon-swim":            db.CategorySwim,
	"icon-alpineski":       db.CategorySki,
	"icon-nordicski":       db.CategorySki,
	"icon-backcountryski":  db.CategorySki,
	"icon-snowboard":       db.CategorySki,
	"icon-rollerski":       db.CategorySki,
	"icon-ebikeride":       db.CategoryEbike,
	"icon-workout":         db.CategoryWorkout,
	"icon-standuppaddling": db.CategoryWorkout,
	"icon-yoga":            db.CategoryWorkout,
	"icon-snowshoe":        db.CategoryWorkout,
	"icon-kayaking":        db.CategoryWorkout,
	"icon-golf":            db.CategoryWorkout,
	"icon-weighttraining":  db.CategoryWorkout,
	"icon-rowing":          db.CategoryWorkout,
	"icon-canoeing":        db.CategoryWorkout,
	"icon-elliptical":      db.CategoryWorkout,
	"icon-rockclimbing":    db.CategoryWorkout,
	"icon-iceskate":        db.CategoryWorkout,
	"icon-watersport":      db.CategoryWorkout,
}

// IntervalMonth lists another athlete's activities for one calendar month by
// scraping the profile interval widget. This is best effort: entries that
// cannot be parsed are skipped, and a page without a feed payload yields an
// empty result.
func (c *Client) IntervalMonth(ctx context.Context, athleteID int64, year int, month time.Month) ([]Summary, error) {
	q := url.Values{}
	q.Set("interval_type", "month")
	q.Set("chart_type", "miles")
	q.Set("year_offset", "0")
	q.Set("interval", fmt.Sprintf("%04d%02d", year, int(month)))

	body, err := c.Fetch(ctx, fmt.Sprintf("/athletes/%d/interval", athleteID), q)
	if err != nil {
		return nil, err
	}

	m := intervalPayload.FindSubmatch(body)
	if m == nil {
		c.logger.Debug("interval page has no feed payload", "athlete_id", athleteID, "year", year, "month", int(month))
		return nil, nil
	}
	html, err := unescapeJSString(strings.TrimSpace(string(m[1])))
	if err != nil {
		return nil, fmt.Errorf("remote: interval payload for %d %04d-%02d: %w", athleteID, year, int(month), err)
	}
	return c.parseFeed(athleteID, html)
}

func (c *Client) parseFeed(athleteID int64, html string) ([]Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("remote: parse interval feed: %w", err)
	}

	var out []Summary
	doc.Find("div.feed-entry").Each(func(_ int, entry *goquery.Selection) {
		ts, ok := entryTime(entry)
		if !ok {
			c.logger.Debug("skipping feed entry without timestamp", "athlete_id", athleteID)
			return
		}

		if entry.HasClass("group-activity") {
			entry.Find("li.feed-entry").Each(func(_ int, sub *goquery.Selection) {
				if entryAthlete(sub) != athleteID {
					return
				}
				if s, ok := entrySummary(sub, athleteID, ts); ok {
					out = append(out, s)
				}
			})
			return
		}
		if !entry.HasClass("activity") {
			return
		}
		if s, ok := entrySummary(entry, athleteID, ts); ok {
			out = append(out, s)
		} else {
			c.logger.Debug("skipping feed entry without activity id", "athlete_id", athleteID)
		}
	})
	return out, nil
}

func entrySummary(sel *goquery.Selection, athleteID int64, ts time.Time) (Summary, bool) {
	id := activityID(sel)
	if id == 0 {
		return Summary{}, false
	}
	return Summary{
		ID:        id,
		AthleteID: athleteID,
		TS:        ts,
		Category:  entryCategory(sel),
		Name:      strings.TrimSpace(sel.Find(".entry-title a, .activity-name").First().Text()),
	}, true
}

func activityID(sel *goquery.Selection) int64 {
	raw := sel.AttrOr("id", "")
	if !strings.HasPrefix(raw, "Activity-") {
		raw = sel.Find("[id^='Activity-']").First().AttrOr("id", "")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "Activity-"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func entryAthlete(sel *goquery.Selection) int64 {
	href := sel.Find("a.entry-athlete").First().AttrOr("href", "")
	for _, prefix := range []string{"/athletes/", "/pros/"} {
		if strings.HasPrefix(href, prefix) {
			id, err := strconv.ParseInt(strings.TrimPrefix(href, prefix), 10, 64)
			if err == nil {
				return id
			}
		}
	}
	return 0
}

func entryCategory(sel *goquery.Selection) db.Category {
	category := db.CategoryUnknown
	sel.Find("span.app-icon").EachWithBreak(func(_ int, icon *goquery.Selection) bool {
		for _, class := range strings.Fields(icon.AttrOr("class", "")) {
			if c, ok := iconCategories[class]; ok {
				category = c
				return false
			}
		}
		return true
	})
	return category
}

func entryTime(sel *goquery.Selection) (time.Time, bool) {
	raw, ok := sel.Find("time[datetime]").First().Attr("datetime")
	if !ok {
		return time.Time{}, false
	}
	ts, err := parseFeedTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// parseFeedTime accepts "2006-01-02 15:04:05 UTC" as well as RFC 3339
func parseFeedTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02 15:04:05 MST", raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// unescapeJSString decodes a quoted JavaScript string literal. Unlike
// strconv.Unquote it accepts single quotes and the \' and \/ escapes.
func unescapeJSString(lit string) (string, error) {
	if len(lit) < 2 || (lit[0] != '"' && lit[0] != '\'') || lit[len(lit)-1] != lit[0] {
		return "", fmt.Errorf("not a string literal")
	}
	s := lit[1 : len(lit)-1]

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' || i+1 == len(s) {
			b.WriteByte(ch)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'u':
			if i+4 >= len(s) {
				return "", fmt.Errorf("short unicode escape at offset %d", i)
			}
			r, err := strconv.ParseUint(s[i+1:i+5], 16, 32)
			if err != nil {
				return "", fmt.Errorf("bad unicode escape at offset %d: %w", i, err)
			}
			var buf [utf8.UTFMax]byte
			n := utf8.EncodeRune(buf[:], rune(r))
			b.Write(buf[:n])
			i += 4
		default:
			// \\, \", \', \/ and anything unknown keep the escaped byte
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}
