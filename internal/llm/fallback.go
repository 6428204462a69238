package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	fallbackScanMessages  = 6
	fallbackUtteranceMax  = 120
	fallbackScopedSuffix  = " official requirements site:.gov"
	fallbackGenericSuffix = " official requirements"
)

var jurisdictions = []string{
	"alabama", "alaska", "arizona", "arkansas", "california", "colorado",
	"connecticut", "delaware", "florida", "georgia", "hawaii", "idaho",
	"illinois", "indiana", "iowa", "kansas", "kentucky", "louisiana", "maine",
	"maryland", "massachusetts", "michigan", "minnesota", "mississippi",
	"missouri", "montana", "nebraska", "nevada", "new hampshire", "new jersey",
	"new mexico", "new york", "north carolina", "north dakota", "ohio",
	"oklahoma", "oregon", "pennsylvania", "rhode island", "south carolina",
	"south dakota", "tennessee", "texas", "utah", "vermont", "virginia",
	"washington", "west virginia", "wisconsin", "wyoming",
	"district of columbia", "puerto rico", "federal",
}

var topics = []string{
	"cottage food", "home bakery", "food handler", "food truck",
	"business license", "sales tax", "liquor license", "health permit",
	"home-based business", "farmers market", "zoning", "food safety",
	"llc formation", "resale certificate",
}

var (
	jurisdictionPattern = keywordPattern(jurisdictions)
	topicPattern        = keywordPattern(topics)
)

func keywordPattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}

// SearchQueryFallback derives a search query from the trailing
// conversation when a search tool was called without one. It prefers a
// jurisdiction and topic named in the last few messages, then the latest
// user utterance. ok is false when neither is available.
func SearchQueryFallback(history []Message) (query string, ok bool) {
	var jurisdiction, topic string
	scanned := 0
	for i := len(history) - 1; i >= 0 && scanned < fallbackScanMessages; i-- {
		msg := history[i]
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		scanned++
		text := strings.ToLower(msg.Text())
		if text == "" {
			continue
		}
		if jurisdiction == "" {
			jurisdiction = jurisdictionPattern.FindString(text)
		}
		if topic == "" {
			topic = topicPattern.FindString(text)
		}
		if jurisdiction != "" && topic != "" {
			return jurisdiction + " " + topic + fallbackScopedSuffix, true
		}
	}

	if utterance := lastUserUtterance(history); utterance != "" {
		return truncateRunes(utterance, fallbackUtteranceMax) + fallbackGenericSuffix, true
	}
	return "", false
}

func lastUserUtterance(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != RoleUser {
			continue
		}
		if text := strings.Join(strings.Fields(history[i].Text()), " "); text != "" {
			return text
		}
	}
	return ""
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
