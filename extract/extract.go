package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/advprof/config"
	"github.com/use-agent/advprof/models"
)

// communityRe splits a community line into label and value. The separator is
// two-or-more consecutive spaces, or a colon followed by whitespace (with an
// optional space before it), so "Guild:   Foo", "Guild : Foo" and
// "Guild   Foo" all yield label "Guild", value "Foo".
var communityRe = regexp.MustCompile(`^(.*?)(?:\s{2,}|\s?:\s)(.+)$`)

var wsRe = regexp.MustCompile(`\s+`)

// Clean collapses runs of whitespace to a single space and trims the ends.
func Clean(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// PageSnapshot is everything the extractor needs from a rendered page.
// Text is the page's visible text; when empty it is derived from HTML.
type PageSnapshot struct {
	Text string
	HTML string
}

// Extractor turns a rendered profile page into a ProfileRecord. It is a pure
// pipeline of heuristics: a missing anchor, heading, or malformed entry
// degrades to an absent or empty field, never to an error.
type Extractor struct {
	layout      config.LayoutConfig
	regionRe    *regexp.Regexp
	classRe     *regexp.Regexp
	combinedSel string
}

// NewExtractor compiles the layout patterns. The patterns are validated at
// config load time, so an error here means the Extractor was built from an
// unvalidated config.
func NewExtractor(layout config.LayoutConfig) (*Extractor, error) {
	regionRe, err := regexp.Compile(`^(?:` + layout.RegionPattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("extract: region pattern: %w", err)
	}
	classRe, err := regexp.Compile(layout.ClassLevelPattern)
	if err != nil {
		return nil, fmt.Errorf("extract: class/level pattern: %w", err)
	}
	return &Extractor{
		layout:      layout,
		regionRe:    regionRe,
		classRe:     classRe,
		combinedSel: layout.HeadingSelector + ", " + layout.ItemSelector,
	}, nil
}

// Profile extracts a record from the snapshot. All record fields are
// populated; fields whose heuristics found nothing are empty, not omitted.
func (e *Extractor) Profile(snap PageSnapshot, sourceURL string) *models.ProfileRecord {
	text := snap.Text
	if text == "" && snap.HTML != "" {
		text = VisibleText(snap.HTML)
	}

	region, family := e.anchorScan(splitLines(text))

	var doc *goquery.Document
	if snap.HTML != "" {
		if d, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML)); err == nil {
			doc = d
		}
	}

	community := parseCommunity(e.sectionItems(doc, e.layout.CommunityHeading))

	life := []string{}
	for _, item := range e.sectionItems(doc, e.layout.LifeHeading) {
		if cleaned := Clean(item); cleaned != "" {
			life = append(life, cleaned)
		}
	}

	characters := e.parseCharacters(e.sectionItems(doc, e.layout.CharactersHeading))

	return &models.ProfileRecord{
		SourceURL:  sourceURL,
		Region:     region,
		FamilyName: family,
		Community:  community,
		Life:       life,
		Characters: characters,
	}
}

// splitLines breaks visible text into normalized non-empty lines.
func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if cleaned := Clean(l); cleaned != "" {
			lines = append(lines, cleaned)
		}
	}
	return lines
}

// anchorScan locates the profile anchor line and scans the following window
// for the first region-code token; the line after the token is the family
// name. Absence of the anchor or the token leaves both fields empty.
func (e *Extractor) anchorScan(lines []string) (region, family string) {
	anchor := -1
	for i, l := range lines {
		if l == e.layout.AnchorLabel {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return "", ""
	}

	end := anchor + 1 + e.layout.AnchorWindow
	if end > len(lines) {
		end = len(lines)
	}
	window := lines[anchor+1 : end]

	for i := 0; i+1 < len(window); i++ {
		if e.regionRe.MatchString(window[i]) {
			return window[i], window[i+1]
		}
	}
	return "", ""
}

// sectionItems collects the text of every item node between the heading whose
// normalized text equals heading exactly and the next heading of any level.
// Item text is trimmed but not collapsed, so multi-space separators inside
// items survive for the sub-parsers. A missing heading yields nil.
func (e *Extractor) sectionItems(doc *goquery.Document, heading string) []string {
	if doc == nil {
		return nil
	}

	var items []string
	collecting := false
	doc.Find(e.combinedSel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Is(e.layout.HeadingSelector) {
			if collecting {
				return false // next heading ends the section
			}
			collecting = Clean(s.Text()) == heading
			return true
		}
		if collecting {
			if item := strings.TrimSpace(s.Text()); item != "" {
				items = append(items, item)
			}
		}
		return true
	})
	return items
}

// parseCommunity splits each collected line into label and value. Lines with
// no recognizable separator become a label with an empty value.
func parseCommunity(items []string) map[string]string {
	out := make(map[string]string, len(items))
	for _, item := range items {
		if m := communityRe.FindStringSubmatch(item); m != nil {
			out[Clean(m[1])] = Clean(m[2])
		} else {
			out[Clean(item)] = ""
		}
	}
	return out
}

// parseCharacters consumes section lines in pairs: a name line, then a
// class/level line. A name line may carry the main-character marker. An
// unmatched class/level line leaves class and level empty but keeps the
// entry; an entry is dropped only when its name is empty after stripping.
func (e *Extractor) parseCharacters(items []string) []models.CharacterEntry {
	entries := []models.CharacterEntry{}
	for i := 0; i < len(items); i += 2 {
		nameLine := items[i]
		isMain := strings.Contains(nameLine, e.layout.MainMarker)
		name := Clean(strings.ReplaceAll(nameLine, e.layout.MainMarker, ""))

		var class, level string
		if i+1 < len(items) {
			if m := e.classRe.FindStringSubmatch(Clean(items[i+1])); m != nil {
				class = Clean(m[1])
				level = Clean(m[2])
			}
		}

		if name == "" {
			continue
		}
		entries = append(entries, models.CharacterEntry{
			Name:   name,
			Class:  class,
			Level:  level,
			IsMain: isMain,
		})
	}
	return entries
}
