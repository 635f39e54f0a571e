package gmaps

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

// Entry is one extracted place listing.
type Entry struct {
	ID          string    `json:"id"`
	Term        string    `json:"term"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Address     string    `json:"address,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Website     string    `json:"website,omitempty"`
	PlusCode    string    `json:"plus_code,omitempty"`
	Rating      string    `json:"rating,omitempty"`
	ReviewCount string    `json:"review_count,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`

	// Missing counts the optional fields the listing page did not expose.
	Missing int `json:"-"`
}

// Identity returns the value used to decide whether the entry is a real
// listing. An empty identity means the page carried no place at all.
func (e *Entry) Identity() string {
	return e.Name
}

// MissingFieldCount reports how many optional fields could not be parsed.
func (e *Entry) MissingFieldCount() int {
	return e.Missing
}

// parseEntry extracts an Entry from a rendered listing page. It never
// fails outright: absent fields are counted so the caller can judge
// whether the listing is worth keeping.
func parseEntry(doc *goquery.Document, term, pageURL string) *Entry {
	e := &Entry{
		ID:        uuid.NewString(),
		Term:      term,
		URL:       pageURL,
		ScrapedAt: time.Now().UTC(),
	}

	e.Name = cleanText(doc.Find("h1.DUwDvf").First().Text())
	if e.Name == "" {
		e.Name = cleanText(doc.Find("h1").First().Text())
	}

	e.Category = e.optional(cleanText(doc.Find(`button[jsaction*="category"]`).First().Text()))
	e.Address = e.optional(itemText(doc, "address"))
	e.Phone = e.optional(phoneText(doc))
	e.Website = e.optional(websiteHref(doc))
	e.PlusCode = e.optional(itemText(doc, "oloc"))
	e.Rating = e.optional(cleanText(doc.Find(`div.F7nice span[aria-hidden="true"]`).First().Text()))
	e.ReviewCount = e.optional(reviewCount(doc))

	return e
}

// optional records the field as missing when empty and passes it through.
func (e *Entry) optional(v string) string {
	if v == "" {
		e.Missing++
	}
	return v
}

func itemText(doc *goquery.Document, itemID string) string {
	sel := doc.Find(`button[data-item-id="` + itemID + `"]`).First()
	if label, ok := sel.Attr("aria-label"); ok {
		if _, value, found := strings.Cut(label, ":"); found {
			return cleanText(value)
		}
	}
	return cleanText(sel.Text())
}

func phoneText(doc *goquery.Document) string {
	sel := doc.Find(`button[data-item-id^="phone:tel:"]`).First()
	if id, ok := sel.Attr("data-item-id"); ok {
		return cleanText(strings.TrimPrefix(id, "phone:tel:"))
	}
	return cleanText(sel.Text())
}

func websiteHref(doc *goquery.Document) string {
	href, _ := doc.Find(`a[data-item-id="authority"]`).First().Attr("href")
	return strings.TrimSpace(href)
}

func reviewCount(doc *goquery.Document) string {
	text := cleanText(doc.Find(`div.F7nice span[aria-label]`).First().Text())
	return strings.Trim(text, "()")
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
